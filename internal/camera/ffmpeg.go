package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/logger"
	"go.uber.org/zap"
)

const megabyte = 1 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8} // Start of Image
	jpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// splitJPEG is a bufio.SplitFunc that yields whole JPEG images from an MJPEG stream.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegSource captures from local video devices by piping them through ffmpeg as MJPEG.
type FFmpegSource struct {
	Path        string // ffmpeg binary
	InputFormat string // v4l2, avfoundation, dshow
	Devices     map[capture.Facing]string
	Width       int
	Height      int
	FrameRate   int
	Log         *zap.Logger
}

// args builds the ffmpeg command line for one device.
func (s *FFmpegSource) args(device string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if s.InputFormat != "" {
		args = append(args, "-f", s.InputFormat)
	}
	if s.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.FrameRate))
	}
	if s.Width > 0 && s.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height))
	}
	return append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// Acquire starts ffmpeg for the device mapped to c.Facing.
func (s *FFmpegSource) Acquire(ctx context.Context, c Constraints) (Track, error) {
	device, ok := s.Devices[c.Facing]
	if !ok || device == "" {
		return nil, &DeviceError{Facing: c.Facing, Name: NotFoundError, Err: errors.New("no device configured")}
	}
	if strings.HasPrefix(device, "/dev/") {
		if _, err := os.Stat(device); err != nil {
			return nil, &DeviceError{Facing: c.Facing, Name: NotFoundError, Err: err}
		}
	}

	path := s.Path
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, &DeviceError{Facing: c.Facing, Name: NotReadableError, Err: fmt.Errorf("ffmpeg not found: %w", err)}
	}

	// The track outlives the acquire call, so it gets its own context.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, path, s.args(device)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &DeviceError{Facing: c.Facing, Name: NotReadableError, Err: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &DeviceError{Facing: c.Facing, Name: NotReadableError, Err: err}
	}

	t := &ffmpegTrack{
		frameTrack: newFrameTrack(c.Facing),
		cmd:        cmd,
		cancel:     cancel,
		stderr:     stderr,
		log:        logger.OrNop(s.Log).Named("ffmpeg").With(zap.String("device", device)),
	}
	go t.read(bufio.NewScanner(stdout))
	return t, nil
}

type ffmpegTrack struct {
	*frameTrack
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *bytes.Buffer
	log    *zap.Logger

	stopOnce sync.Once
}

func (t *ffmpegTrack) read(scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			t.log.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		t.publish(img)
	}

	err := t.cmd.Wait()
	if err == nil {
		err = scanner.Err()
	}
	if err == nil {
		err = errors.New("stream ended")
	}
	if msg := strings.TrimSpace(t.stderr.String()); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	t.finish(err)
}

// Stop kills ffmpeg and waits for the reader to drain.
func (t *ffmpegTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.cancel()
	})
	<-t.Done()
	return nil
}
