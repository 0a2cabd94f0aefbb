package dispatcher

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"interceptproxy/internal/rule"
)

var upgrader = websocket.Upgrader{
	// The dispatcher is a forward proxy, not a browser-facing origin server,
	// so CheckOrigin is intentionally permissive: origin policy is the
	// upstream's concern, not this proxy's.
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// onUpgrade implements spec §4.5's WebSocket branch: it upgrades the
// client side, opens a paired upstream WebSocket mirroring scheme
// (ws/wss per whether this request arrived over an intercepted TLS
// stream), and bridges frames bidirectionally, giving the Rule's
// WebSocketHooks (if implemented) a chance to transform each frame.
func (d *Dispatcher) onUpgrade(w http.ResponseWriter, r *http.Request) {
	if d.Metrics != nil {
		d.Metrics.UpgradeTotal.Add(1)
	}
	host, err := requestAuthority(r)
	if err != nil {
		d.writeError(w, newError(ErrProtocolViolation, err))
		return
	}
	if d.isLocalHost(host) {
		http.Error(w, "websocket upgrade to the proxy itself is not supported", http.StatusBadRequest)
		return
	}

	isHTTPS, _ := r.Context().Value(ctxKeyIsHTTPS).(bool)
	upstreamScheme := "ws"
	if isHTTPS {
		upstreamScheme = "wss"
	}
	upstreamURL := fmt.Sprintf("%s://%s%s", upstreamScheme, host, r.URL.RequestURI())

	upstreamHeader := http.Header{}
	for k, vv := range r.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions":
			continue
		default:
			upstreamHeader[k] = vv
		}
	}

	dialer := &websocket.Dialer{HandshakeTimeout: d.cfg.dialTimeout()}
	upstreamConn, _, err := dialer.Dial(upstreamURL, upstreamHeader)
	if err != nil {
		d.writeError(w, newError(ErrUpstreamConnectFailed, err))
		return
	}
	defer upstreamConn.Close() //nolint:errcheck // best-effort close

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warnf("upgrade", "client upgrade for %s: %v", host, err)
		return
	}
	defer clientConn.Close() //nolint:errcheck // best-effort close

	reqID := d.nextID()
	rc := rule.Context{ConnID: reqID, Hostname: host, Intercepted: isHTTPS, Request: r}
	hooks, _ := d.rule.(rule.WebSocketHooks)

	done := make(chan struct{}, 2)
	go d.relayWS(clientConn, upstreamConn, rc, hooks, true, done)
	go d.relayWS(upstreamConn, clientConn, rc, hooks, false, done)
	<-done
}

// relayWS copies frames from src to dst, applying the appropriate
// WebSocketHooks transform (if hooks is non-nil) before forwarding.
// fromClient distinguishes which hook method to call.
func (d *Dispatcher) relayWS(src, dst *websocket.Conn, rc rule.Context, hooks rule.WebSocketHooks, fromClient bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if hooks != nil {
			if fromClient {
				data = hooks.OnClientFrame(rc.Request.Context(), rc, msgType, data)
			} else {
				data = hooks.OnUpstreamFrame(rc.Request.Context(), rc, msgType, data)
			}
			if data == nil {
				continue
			}
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
