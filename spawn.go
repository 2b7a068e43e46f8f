package fly

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WorkerProcess is the single worker child of a front-end process.
type WorkerProcess struct {
	*Channel // front-end end of the channel
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex // guards waitErr
	waitErr  error
}

func (wp *WorkerProcess) String() string {
	return fmt.Sprintf("[WorkerProcess %d]", wp.cmd.Process.Pid)
}

// SpawnWorker starts exe with args, handing it the remote end of a new
// Channel as descriptor ChannelFD. The worker is not restarted if it exits.
func SpawnWorker(exe string, args []string, logger *zap.Logger) (*WorkerProcess, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch, remote, err := NewChannelPair()
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{remote} // becomes ChannelFD in the child
	if err = cmd.Start(); err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "starting worker %s", exe)
	}

	wp := &WorkerProcess{
		Channel: ch,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	log := logger.With(zap.Int("pid", cmd.Process.Pid))
	log.Info("worker started", zap.String("exe", exe))
	go func() {
		err := cmd.Wait()
		wp.mu.Lock()
		wp.waitErr = err
		wp.mu.Unlock()
		if err != nil {
			log.Error("worker exited", zap.Error(err))
		} else {
			log.Info("worker exited")
		}
		close(wp.done)
	}()
	return wp, nil
}

// Done returns a channel that is closed when the worker process has exited.
func (wp *WorkerProcess) Done() <-chan struct{} {
	return wp.done
}

// Err returns the worker's exit error, nil while it is running or if it
// exited cleanly.
func (wp *WorkerProcess) Err() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.waitErr
}

// Stop closes the channel, which makes the worker finish, and waits up to
// grace for it to exit before killing it.
func (wp *WorkerProcess) Stop(grace time.Duration) error {
	wp.Channel.Close()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-wp.done:
	case <-timer.C:
		if err := wp.cmd.Process.Kill(); err != nil {
			return errors.WithStack(err)
		}
		<-wp.done
	}
	return wp.Err()
}
