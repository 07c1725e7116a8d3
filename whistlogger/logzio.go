package whistlogger // import "github.com/whisthq/whist/backend/workspaces/whistlogger"

import (
	"log"
	"sync"
	"time"

	"github.com/logzio/logzio-go"
	"github.com/whisthq/whist/backend/workspaces/metadata"
	"github.com/whisthq/whist/backend/workspaces/utils"
	"go.uber.org/zap/zapcore"
)

const (
	logzioListener      = "https://listener.logz.io:8071"
	logzioDrainInterval = 3 * time.Second
)

// shipper owns the Logz.io sender. The sender's disk queue isn't safe for
// concurrent use, and every core derived with With shares one shipper.
type shipper struct {
	mu     sync.Mutex
	sender *logzio.LogzioSender
}

func (s *shipper) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender.Send(payload)
}

func (s *shipper) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender.Drain()
}

// logzioCore writes every entry it is enabled for as a JSON document.
type logzioCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	ship *shipper
}

func newLogzioCore(token string, levelEnab zapcore.LevelEnabler) zapcore.Core {
	sender, err := logzio.New(token,
		logzio.SetUrl(logzioListener),
		logzio.SetDrainDuration(logzioDrainInterval),
		logzio.SetCheckDiskSpace(false),
	)
	if err != nil {
		log.Printf("Logz.io shipping disabled: %s", err)
		return nil
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "type",
		TimeKey:        "@timestamp",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	// Every document carries the deployment it came from.
	enc.AddString("environment", string(metadata.GetAppEnvironment()))
	enc.AddString("commit", metadata.GetGitCommit())

	return &logzioCore{LevelEnabler: levelEnab, enc: enc, ship: &shipper{sender: sender}}
}

func (c *logzioCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logzioCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), ship: c.ship}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *logzioCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *logzioCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return utils.MakeError("couldn't encode entry for Logz.io: %s", err)
	}
	defer buf.Free()

	if err := c.ship.send(buf.Bytes()); err != nil {
		return utils.MakeError("couldn't send payload to Logz.io: %s", err)
	}
	// A panic or fatal entry may be the last one the process writes.
	if ent.Level > zapcore.ErrorLevel {
		c.ship.drain()
	}
	return nil
}

func (c *logzioCore) Sync() error {
	c.ship.drain()
	return nil
}
