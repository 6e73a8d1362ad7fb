package offline

import (
	"encoding/json"
	"io"
	"text/template"
)

// scriptTmpl is the browser-side worker.  Same cache-first order as
// Worker.Fetch.
var scriptTmpl = template.Must(template.New("sw.js").Parse(`const CACHE_NAME = {{.Name}};
const ASSETS = {{.Assets}};

self.addEventListener('install', event => {
  self.skipWaiting();
  event.waitUntil(caches.open(CACHE_NAME).then(cache => cache.addAll(ASSETS)));
});

self.addEventListener('activate', event => {
  event.waitUntil(
    caches.keys()
      .then(names => Promise.all(names.filter(n => n !== CACHE_NAME).map(n => caches.delete(n))))
      .then(() => self.clients.claim())
  );
});

self.addEventListener('fetch', event => {
  if (event.request.method !== 'GET' || new URL(event.request.url).pathname.startsWith('/api/')) {
    return;
  }
  event.respondWith(
    caches.match(event.request).then(hit => hit || fetch(event.request))
  );
});
`))

// RenderScript writes the browser worker for cache name and page assets.
func RenderScript(w io.Writer, name string, assets []string) error {
	nameJSON, err := json.Marshal(name)
	if err != nil {
		return err
	}
	if assets == nil {
		assets = []string{}
	}
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return err
	}
	return scriptTmpl.Execute(w, struct {
		Name   string
		Assets string
	}{string(nameJSON), string(assetsJSON)})
}
