package dashboard

// Page templates. Each page template renders into the layout's Content.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>bitmapvm Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <!-- Navigation -->
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center justify-between h-16">
                <div class="flex items-center space-x-8">
                    <a href="/" class="flex items-center space-x-2">
                        <svg class="w-8 h-8 text-blue-500" fill="currentColor" viewBox="0 0 24 24">
                            <path d="M4 4h16v16H4zM8 8h3v3H8zm5 0h3v3h-3zm-5 5h3v3H8z"/>
                        </svg>
                        <span class="text-xl font-bold text-white">bitmapvm</span>
                    </a>
                    <div class="hidden md:flex items-center space-x-4">
                        <a href="/" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "home"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Overview</a>
                        <a href="/frames" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "frames"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Frames</a>
                        <a href="/spaces" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "spaces"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Address Spaces</a>
                        <a href="/tlb" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "tlb"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">TLB</a>
                        <a href="/dumps" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "dumps"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Dumps</a>
                    </div>
                </div>
            </div>
        </div>
    </nav>

    <!-- Main Content -->
    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>

    <!-- Footer -->
    <footer class="bg-gray-800 border-t border-gray-700 mt-8 py-4">
        <div class="container mx-auto px-4 text-center text-gray-400 text-sm">
            bitmapvm | <span id="current-time"></span>
        </div>
    </footer>

    <script src="/static/app.js"></script>
</body>
</html>`

const homeTemplate = `
<div class="space-y-6">
    <!-- Status Cards -->
    <div class="grid grid-cols-1 md:grid-cols-2 lg:grid-cols-4 gap-4">
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Free Frames</p>
            <p class="text-3xl font-bold text-white mt-1" id="free-frames">{{formatNumber .Frames.Free}}</p>
            <p class="text-sm text-gray-500 mt-1">of {{formatNumber .Frames.Total}} ({{formatBytes .RAMBytes}})</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Memory Used</p>
            <p class="text-3xl font-bold text-white mt-1" id="used-percent">{{printf "%.1f" .UsedPercent}}%</p>
            <p class="text-sm text-gray-500 mt-1">largest free run {{formatNumber .Frames.LargestFree}} frames</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Address Spaces</p>
            <p class="text-3xl font-bold text-white mt-1" id="addr-spaces">{{.AddrSpaces}}</p>
            <p class="text-sm text-gray-500 mt-1">{{formatNumber .ProcsStarted}} started, {{formatNumber .Forks}} forks</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Uptime</p>
            <p class="text-3xl font-bold text-white mt-1" id="uptime">{{.Uptime}}</p>
            <p class="text-sm text-gray-500 mt-1">{{.CPUs}} CPUs</p>
        </div>
    </div>

    <!-- Fault Stats -->
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">TLB Faults</h2>
        </div>
        <div class="p-6 grid grid-cols-2 md:grid-cols-4 gap-4 mono">
            <div><p class="text-gray-400 text-sm">Faults</p><p class="text-xl" id="faults">{{formatNumber .Faults}}</p></div>
            <div><p class="text-gray-400 text-sm">Fills</p><p class="text-xl" id="tlb-fills">{{formatNumber .TLBFills}}</p></div>
            <div><p class="text-gray-400 text-sm">TLB Full</p><p class="text-xl {{if .TLBFull}}text-red-400{{end}}" id="tlb-full">{{formatNumber .TLBFull}}</p></div>
            <div><p class="text-gray-400 text-sm">Valid Entries</p><p class="text-xl" id="tlb-valid">{{.TLBValid}}</p></div>
        </div>
    </div>

    {{if .LastError}}
    <div class="bg-red-900/30 border border-red-700 rounded-lg p-4">
        <p class="text-red-400 font-medium">Last Error</p>
        <p class="text-red-300 text-sm mono mt-1">{{.LastError}}</p>
    </div>
    {{end}}
</div>
`

const framesTemplate = `
<div class="space-y-6">
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Frame Table</h2>
            <p class="text-sm text-gray-400">{{.Stats.Used}} used, {{.Stats.Free}} free of {{.Stats.Total}} frames</p>
        </div>
        <div class="p-6">
            {{if .Stats.Ready}}
            <div class="frame-map">
                {{range $i, $free := .Map}}<span class="frame {{if $free}}frame-free{{else}}frame-used{{end}}" title="frame {{$i}}"></span>{{end}}
            </div>
            {{else}}
            <p class="text-gray-400">Frame table not initialized.</p>
            {{end}}
        </div>
    </div>
</div>
`

const spacesTemplate = `
<div class="bg-gray-800 rounded-lg border border-gray-700">
    <div class="px-6 py-4 border-b border-gray-700">
        <h2 class="text-lg font-semibold text-white">Address Spaces</h2>
    </div>
    {{if .Spaces}}
    <table class="w-full text-sm mono">
        <thead class="text-gray-400 text-left">
            <tr><th class="px-6 py-2">ID</th><th class="px-6 py-2">Region</th><th class="px-6 py-2">Virtual</th><th class="px-6 py-2">Physical</th><th class="px-6 py-2">Pages</th></tr>
        </thead>
        <tbody>
        {{range .Spaces}}{{$id := .ID}}
            {{range .Regions}}
            <tr class="border-t border-gray-700">
                <td class="px-6 py-2 text-blue-400">{{truncateHash $id 6}}</td>
                <td class="px-6 py-2">{{.Name}}</td>
                <td class="px-6 py-2">{{.VBase}} - {{.VEnd}}</td>
                <td class="px-6 py-2">{{if .PBase}}{{.PBase}}{{else}}<span class="text-gray-500">unbacked</span>{{end}}</td>
                <td class="px-6 py-2">{{.NPages}}</td>
            </tr>
            {{end}}
        {{end}}
        </tbody>
    </table>
    {{else}}
    <p class="p-6 text-gray-400">No live address spaces.</p>
    {{end}}
</div>
`

const tlbTemplate = `
<div class="space-y-6">
{{range .CPUs}}
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">cpu{{.CPU}}</h2>
            <p class="text-sm text-gray-400">{{.Valid}} valid entries</p>
        </div>
        {{if .Entries}}
        <table class="w-full text-sm mono">
            <thead class="text-gray-400 text-left">
                <tr><th class="px-6 py-2">Slot</th><th class="px-6 py-2">Virtual Page</th><th class="px-6 py-2">Physical Page</th><th class="px-6 py-2">Flags</th></tr>
            </thead>
            <tbody>
            {{range .Entries}}
                <tr class="border-t border-gray-700">
                    <td class="px-6 py-2">{{.Slot}}</td>
                    <td class="px-6 py-2">{{.VPage}}</td>
                    <td class="px-6 py-2">{{.PPage}}</td>
                    <td class="px-6 py-2">{{if .Valid}}V{{end}}{{if .Dirty}}D{{end}}</td>
                </tr>
            {{end}}
            </tbody>
        </table>
        {{end}}
    </div>
{{else}}
    <p class="text-gray-400">No CPUs.</p>
{{end}}
</div>
`

const dumpsTemplate = `
<div class="bg-gray-800 rounded-lg border border-gray-700">
    <div class="px-6 py-4 border-b border-gray-700">
        <h2 class="text-lg font-semibold text-white">Address Space Dumps</h2>
    </div>
    {{if .Error}}
    <p class="p-6 text-red-400">{{.Error}}</p>
    {{else if .Dumps}}
    <table class="w-full text-sm mono">
        <thead class="text-gray-400 text-left">
            <tr><th class="px-6 py-2">Seq</th><th class="px-6 py-2">Process</th><th class="px-6 py-2">Reason</th><th class="px-6 py-2">Size</th><th class="px-6 py-2">Digest</th><th class="px-6 py-2">Time</th></tr>
        </thead>
        <tbody>
        {{range .Dumps}}
            <tr class="border-t border-gray-700">
                <td class="px-6 py-2"><a class="text-blue-400 hover:underline" href="/api/dumps/{{.Key}}">{{.Seq}}</a></td>
                <td class="px-6 py-2">{{.Name}}[{{.PID}}]</td>
                <td class="px-6 py-2">{{.Reason}}</td>
                <td class="px-6 py-2">{{formatBytes .Size}} ({{formatBytes .Encoded}} stored)</td>
                <td class="px-6 py-2">{{.Hash}}:{{truncateHash .Digest 6}}</td>
                <td class="px-6 py-2">{{formatTime .Time}}</td>
            </tr>
        {{end}}
        </tbody>
    </table>
    {{else}}
    <p class="p-6 text-gray-400">No dumps stored.</p>
    {{end}}
</div>
`
