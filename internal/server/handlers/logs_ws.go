package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// Logs handles GET /api/jobs/{id}/logs as a websocket: the full log so
// far, then appended lines as they arrive, until the client disconnects.
// A log that does not exist yet makes the stream wait, not fail.
func (a *JobsAPI) Logs(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}

	// On failure the upgrader has already written its own HTTP error
	// response on the hijacked connection.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	logger := a.logger.With(zap.String("job_id", job.ID))
	logger.Debug("log stream opened")

	// The request context dies when this handler returns; the hijacked
	// connection outlives it. The reader goroutine ends the stream on
	// client disconnect instead.
	ctx, cancel := context.WithCancel(context.Background())

	// Watch for the client hanging up; control frames are answered by
	// wsutil, anything else just ends the stream.
	go func() {
		defer cancel()
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			_ = conn.Close()
			logger.Debug("log stream closed")
		}()

		err := a.store.Follow(ctx, job.ID, func(line string) error {
			return wsutil.WriteServerText(conn, []byte(line))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			var se *jobstore.StorageError
			if errors.As(err, &se) {
				logger.Warn("log stream storage error", zap.Error(err))
				return
			}
			logger.Debug("log stream ended", zap.Error(err))
		}
	}()
}
