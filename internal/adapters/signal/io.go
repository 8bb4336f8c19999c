package signal

import (
	"time"

	"github.com/dkeye/colastream/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
			}
		}
	}
}

// readPump feeds Frames until the socket fails, then closes the stream.
func (c *Client) readPump() {
	defer func() {
		close(c.frames)
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				log.Info().Str("module", "signal").Msg("readPump stopped")
			default:
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		select {
		case c.frames <- core.Frame(data):
		case <-c.done:
			return
		}
	}
}
