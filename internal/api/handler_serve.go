package api

import (
	"errors"
	"log"
	"net/http"
	"net/netip"

	"github.com/rediflare/rediflare/internal/naming"
	"github.com/rediflare/rediflare/internal/service"
)

// HandleServeRedirect is the data-plane fallback: every request that does
// not match a control-plane route is treated as an eyeball redirect lookup.
func HandleServeRedirect(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookupKey := naming.LookupKeyFromRequest(r)

		var remoteIP netip.Addr
		if addrPort, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
			remoteIP = addrPort.Addr()
		}

		resp, err := cp.Redirect(r.Context(), lookupKey, r.UserAgent(), remoteIP)
		if err != nil {
			if errors.Is(err, service.ErrNoRedirect) {
				w.Header().Set("X-Powered-By", PoweredByHeader)
				http.Error(w, "Not found 404", http.StatusNotFound)
				return
			}
			log.Printf("[api] serve redirect %s: %v", lookupKey, err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			return
		}

		h := w.Header()
		h.Set("X-Powered-By", PoweredByHeader)
		for _, pair := range resp.Headers {
			h.Set(pair.Name(), pair.Value())
		}
		// Location always wins over any configured header of the same name.
		h.Set("Location", resp.Location)
		w.WriteHeader(resp.Status)
		_, _ = w.Write([]byte("redirecting"))
	}
}
