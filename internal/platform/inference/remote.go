package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// RemoteAnalyzer posts the image to an external analysis service. The
// service is expected to answer with
//
//	{"report": "...", "pathology": {"Effusion": 0.72, ...}}
//
// Unknown finding names are dropped and missing ones are reported as 0.
type RemoteAnalyzer struct {
	httpc *resty.Client
	path  string
}

func NewRemoteAnalyzer(url string, logger zerolog.Logger) *RemoteAnalyzer {
	httpc := resty.New()
	httpc.SetLogger(NewRestyLogger(logger))
	return &RemoteAnalyzer{httpc: httpc, path: url}
}

type remoteAnalysis struct {
	Report    string             `json:"report"`
	Pathology map[string]float64 `json:"pathology"`
}

func (a *RemoteAnalyzer) Analyze(ctx context.Context, image []byte) (Analysis, error) {
	var r remoteAnalysis
	resp, err := a.httpc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(image).
		SetResult(&r).
		Post(a.path)
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Analysis{}, fmt.Errorf("%d on analysis request", resp.StatusCode())
	}
	if strings.TrimSpace(r.Report) == "" {
		return Analysis{}, errors.New("analysis service returned an empty report")
	}
	return Analysis{Narrative: r.Report, Pathology: normalizePathology(r.Pathology)}, nil
}

func normalizePathology(raw map[string]float64) PathologyMap {
	out := make(PathologyMap, len(Vocabulary))
	for _, name := range Vocabulary {
		out[name] = NewFinding(raw[name])
	}
	return out
}

type restyLogger struct {
	logger zerolog.Logger
}

// NewRestyLogger forwards resty's own log lines to zerolog.
func NewRestyLogger(logger zerolog.Logger) resty.Logger {
	return &restyLogger{logger: logger.With().Str("component", "provider").Logger()}
}

func (l *restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l *restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}
