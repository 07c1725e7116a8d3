package whistlogger // import "github.com/whisthq/whist/backend/workspaces/whistlogger"

import (
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/whisthq/whist/backend/workspaces/metadata"
	"github.com/whisthq/whist/backend/workspaces/utils"
	"go.uber.org/zap/zapcore"
)

// sentryCore is a custom core that sends error-level output to Sentry.
type sentryCore struct {
	// enabler decides whether the entry should be logged or not,
	// according to its level.
	enabler zapcore.LevelEnabler
	// fields holds context added through With, attached to every event.
	fields map[string]interface{}
	// sender is the client used to send the events to Sentry.
	sender *sentry.Client
}

func newSentryCore(dsn string, levelEnab zapcore.LevelEnabler) zapcore.Core {
	sender, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     metadata.GetGitCommit(),
		Environment: string(metadata.GetAppEnvironment()),
	})
	if err != nil {
		log.Printf("Error starting Sentry client: %s", err)
		return nil
	}
	log.Printf("Set Sentry release to git commit hash: %s", metadata.GetGitCommit())

	return &sentryCore{
		enabler: levelEnab,
		fields:  make(map[string]interface{}),
		sender:  sender,
	}
}

// Enabled is used to check whether the event should be logged
// or not, depending on its level.
func (sc *sentryCore) Enabled(level zapcore.Level) bool {
	return sc.enabler.Enabled(level)
}

// With returns a copy of the core carrying the additional fields.
func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	return &sentryCore{
		enabler: sc.enabler,
		fields:  mergeFields(sc.fields, fields),
		sender:  sc.sender,
	}
}

// Check adds the core to the checked entry if the level is enabled.
func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write manually assembles a Sentry event from the entry and its fields.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	err := utils.MakeError("%s", ent.Message)

	event := sentry.NewEvent()
	event.Level = sentryLevel(ent.Level)
	event.Message = ent.Message
	event.Timestamp = ent.Time
	event.Extra = mergeFields(sc.fields, fields)
	event.Exception = append(event.Exception, sentry.Exception{
		Value:      ent.Message,
		Type:       "error",
		Stacktrace: sentry.ExtractStacktrace(err),
	})

	sc.sender.CaptureEvent(event, &sentry.EventHint{OriginalException: err}, nil)
	return nil
}

// Sync flushes the Sentry queue.
func (sc *sentryCore) Sync() error {
	if ok := sc.sender.Flush(5 * time.Second); !ok {
		return utils.MakeError("failed to flush Sentry, some events may not have been sent")
	}
	return nil
}

func sentryLevel(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}

func mergeFields(base map[string]interface{}, fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for k, v := range base {
		enc.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}
