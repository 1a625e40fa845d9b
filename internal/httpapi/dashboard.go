package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Stockroom</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "IBM Plex Sans", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    header {
      display: flex;
      gap: 12px;
      align-items: center;
      padding: 16px 24px;
      border-bottom: 1px solid var(--line);
    }
    header h1 { font-size: 20px; margin: 0; flex: 1; }
    input, select, button {
      font: inherit;
      padding: 6px 10px;
      border: 1px solid var(--line);
      border-radius: 6px;
      background: var(--card);
    }
    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }
    main { padding: 16px 24px; display: grid; gap: 16px; grid-template-columns: 3fr 1fr; }
    section { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 12px; overflow: auto; }
    table { border-collapse: collapse; width: 100%; font-size: 13px; }
    th, td { text-align: left; padding: 4px 8px; border-bottom: 1px solid var(--line); }
    .OUT { color: var(--danger); }
    .RTN { color: var(--accent-2); }
    .muted { color: var(--muted); font-size: 12px; }
    ul { list-style: none; padding: 0; margin: 0; font-size: 12px; }
  </style>
</head>
<body>
  <header>
    <h1>Stockroom</h1>
    <input id="q" placeholder="Search IMEI, model, buyer" />
    <select id="status">
      <option value="">All</option>
      <option>IN</option>
      <option>OUT</option>
      <option>RTN</option>
    </select>
    <input id="token" type="password" placeholder="API token" />
    <button id="reload">Reload</button>
  </header>
  <main>
    <section>
      <div class="muted" id="summary"></div>
      <table>
        <thead><tr><th>ID</th><th>IMEI</th><th>Brand</th><th>Model</th><th>Price</th><th>Status</th><th>Source</th></tr></thead>
        <tbody id="rows"></tbody>
      </table>
    </section>
    <section>
      <h3>Sources</h3>
      <ul id="sources"></ul>
      <h3>Conflicts</h3>
      <ul id="conflicts"></ul>
      <h3>Events</h3>
      <ul id="events"></ul>
    </section>
  </main>
  <script>
    const $ = (id) => document.getElementById(id);
    $("token").value = localStorage.getItem("stockroom-token") || "";
    const headers = () => {
      const token = $("token").value.trim();
      localStorage.setItem("stockroom-token", token);
      return token ? { Authorization: "Bearer " + token } : {};
    };
    const api = async (path, init) => {
      const res = await fetch(path, Object.assign({ headers: headers() }, init || {}));
      if (!res.ok) throw new Error((await res.json()).message);
      return res.json();
    };
    const esc = (v) => String(v == null ? "" : v).replace(/[&<>"]/g, (c) => "&#" + c.charCodeAt(0) + ";");

    async function refresh() {
      const params = new URLSearchParams({ q: $("q").value, status: $("status").value });
      try {
        const feed = await api("/v1/inventory?" + params);
        $("summary").textContent = feed.total + " items, loaded " + (feed.loadedAt || "never");
        $("rows").innerHTML = feed.items.map((r) =>
          "<tr><td>" + r.unique_id + "</td><td>" + esc(r.imei) + "</td><td>" + esc(r.brand) +
          "</td><td>" + esc(r.model) + "</td><td>" + r.price + "</td><td class=\"" + r.status + "\">" +
          r.status + "</td><td>" + esc(r.source_file) + "</td></tr>").join("");
        const sources = await api("/v1/sources");
        $("sources").innerHTML = sources.items.map((s) =>
          "<li>" + esc(s.displayName) + ": " + esc(s.status) + " (" + s.rows + ")</li>").join("");
        const conflicts = await api("/v1/conflicts");
        $("conflicts").innerHTML = conflicts.items.map((c) =>
          "<li>" + esc(c.imei) + " ids " + c.unique_ids.join(", ") + "</li>").join("") || "<li class=\"muted\">none</li>";
      } catch (err) {
        $("summary").textContent = err.message;
      }
    }

    function connect() {
      const token = encodeURIComponent($("token").value.trim());
      const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/v1/events?token=" + token);
      ws.onmessage = (msg) => {
        const ev = JSON.parse(msg.data);
        const li = document.createElement("li");
        li.textContent = ev.timestamp + " " + ev.type + (ev.id ? " #" + ev.id : "") + (ev.message ? " " + ev.message : "");
        $("events").prepend(li);
        refresh();
      };
      ws.onclose = () => setTimeout(connect, 3000);
    }

    $("reload").onclick = async () => { await api("/v1/reload", { method: "POST" }).catch(() => {}); refresh(); };
    $("q").oninput = refresh;
    $("status").onchange = refresh;
    refresh();
    connect();
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
