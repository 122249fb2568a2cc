package marlin

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// IsBridgeURL reports whether endpoint names a WebSocket serial
// bridge rather than a local device node.
func IsBridgeURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://")
}

// DialBridge connects to a WebSocket serial bridge (the kind ESP
// wifi boards expose in front of the printer's UART) and presents it
// as a Port. Each outgoing frame carries one command line; incoming
// frames are treated as a raw byte stream.
func DialBridge(endpoint string) (Port, error) {
	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	return &bridgePort{ws: ws}, nil
}

type bridgePort struct {
	ws *websocket.Conn

	wMx sync.Mutex

	// rem is only touched by the reader goroutine.
	rem []byte
}

func (b *bridgePort) Read(p []byte) (int, error) {
	for len(b.rem) == 0 {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		b.rem = data
	}
	n := copy(p, b.rem)
	b.rem = b.rem[n:]
	return n, nil
}

func (b *bridgePort) Write(p []byte) (int, error) {
	b.wMx.Lock()
	defer b.wMx.Unlock()
	if err := b.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush is a no-op: the bridge has no driver buffer on this side,
// and stale lines are discarded at the Conn level.
func (b *bridgePort) Flush() error { return nil }

func (b *bridgePort) Close() error { return b.ws.Close() }
