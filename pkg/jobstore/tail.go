package jobstore

import (
	"bufio"
	"context"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// Follow streams a job's log: everything written so far, then new lines as
// they are appended, until ctx is cancelled.
//
// A log that does not exist yet is not an error; Follow waits for it to
// appear. The poll loop is paced by a rate limiter rather than a bare sleep
// so cancellation interrupts the wait immediately.
func (s *Store) Follow(ctx context.Context, jobID string, emit func(line string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	path := s.LogPath(jobID)

	// ~5 polls per second, same cadence as the CLI follower.
	limiter := rate.NewLimiter(rate.Limit(5), 1)

	var f *os.File
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	for f == nil {
		var err error
		f, err = os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return storageErr("follow", jobID, err)
			}
			if werr := limiter.Wait(ctx); werr != nil {
				return werr
			}
		}
	}

	for {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if err := emit(scanner.Text()); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err := scanner.Err(); err != nil {
			return storageErr("follow", jobID, err)
		}

		// Caught up. Wait for the file to grow past our position.
		for {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return storageErr("follow", jobID, err)
			}
			st, err := f.Stat()
			if err != nil {
				return storageErr("follow", jobID, err)
			}
			if st.Size() > pos {
				break
			}
		}
	}
}
