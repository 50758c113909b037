package dashboard

// Stylesheet and script served under /static/.

// getStaticAsset looks up an asset and its content type.
func getStaticAsset(name string) (content string, contentType string, ok bool) {
	switch name {
	case "style.css":
		return cssStyles, "text/css", true
	case "app.js":
		return jsApp, "application/javascript", true
	default:
		return "", "", false
	}
}

// cssStyles contains the custom CSS. Most styling comes from Tailwind.
const cssStyles = `
/* Custom scrollbar */
::-webkit-scrollbar { width: 8px; height: 8px; }
::-webkit-scrollbar-track { background: #1f2937; }
::-webkit-scrollbar-thumb { background: #4b5563; border-radius: 4px; }

.mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }

/* Frame map: one cell per physical frame */
.frame-map { display: flex; flex-wrap: wrap; gap: 1px; }
.frame { width: 8px; height: 8px; border-radius: 1px; }
.frame-free { background: #374151; }
.frame-used { background: #3b82f6; }
`

// jsApp refreshes the overview numbers.
const jsApp = `
(function () {
    function updateTime() {
        const el = document.getElementById('current-time');
        if (el) el.textContent = new Date().toUTCString();
    }
    updateTime();
    setInterval(updateTime, 1000);

    if (window.location.pathname !== '/') return;

    function set(id, value) {
        const el = document.getElementById(id);
        if (el) el.textContent = value;
    }

    setInterval(async () => {
        try {
            const resp = await fetch('/api/stats');
            const data = await resp.json();
            set('free-frames', data.frames.free.toLocaleString());
            set('used-percent', data.usedPercent.toFixed(1) + '%');
            set('addr-spaces', data.addrSpaces);
            set('uptime', data.uptime);
            set('faults', data.faults.toLocaleString());
            set('tlb-fills', data.tlbFills.toLocaleString());
            set('tlb-full', data.tlbFull.toLocaleString());
            set('tlb-valid', data.tlbValid);
        } catch (e) {
            console.error('Failed to fetch stats:', e);
        }
    }, 2000);
})();
`
