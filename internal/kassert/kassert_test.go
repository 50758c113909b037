package kassert

import (
	"strings"
	"testing"
)

func TestThatPasses(t *testing.T) {
	That(true, "never shown")
}

func TestThatPanics(t *testing.T) {
	defer func() {
		v, ok := Recovered(recover())
		if !ok {
			t.Fatal("expected a Violation panic")
		}
		if !strings.Contains(v.Error(), "frame 7 out of range") {
			t.Errorf("Error() = %q", v.Error())
		}
	}()
	That(false, "frame %d out of range", 7)
}
