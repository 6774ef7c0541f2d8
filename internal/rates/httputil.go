package rates

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 10 * 1024 * 1024
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
		Timeout: timeout,
	}
}

// fetchURL performs one GET against an upstream source and returns the body
// and status code. Bodies are capped at 10 MiB.
func fetchURL(
	ctx context.Context,
	client *http.Client,
	lggr log.Logger,
	url string,
	headers map[string]string,
) ([]byte, int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create http.Request")
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := client.Do(request)
	if ctx.Err() != nil {
		return nil, 0, errors.New("http request timed out or interrupted")
	}
	if err != nil {
		lggr.WithError(err).Warningln("source request got error")
		return nil, 0, errors.Wrap(err, "error making http request")
	}
	defer resp.Body.Close()

	source := http.MaxBytesReader(nil, resp.Body, maxResponseBytes)
	responseBytes, err := io.ReadAll(source)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "error reading response body")
	}
	lggr.WithFields(log.Fields{
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
	}).Debugln("source request finished")

	if resp.StatusCode >= 400 {
		maybeErr := bestEffortExtractError(responseBytes)
		return responseBytes, resp.StatusCode, errors.Errorf("got error from %s: (status code %v) %s", url, resp.StatusCode, maybeErr)
	}
	return responseBytes, resp.StatusCode, nil
}

type possibleErrorResponses struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
	Message      string `json:"message"`
	Msg          string `json:"msg"`
}

func bestEffortExtractError(responseBytes []byte) string {
	var resp possibleErrorResponses
	if err := json.Unmarshal(responseBytes, &resp); err != nil {
		return ""
	}
	switch {
	case resp.Error != "":
		return resp.Error
	case resp.ErrorMessage != "":
		return resp.ErrorMessage
	case resp.Message != "":
		return resp.Message
	case resp.Msg != "":
		return resp.Msg
	}
	return string(responseBytes)
}

// unsupportedPairStatus reports whether an upstream status code means the
// exchange does not list the requested symbol, as opposed to a transient
// failure. Such sources are silently dropped from the batch.
func unsupportedPairStatus(statusCode int) bool {
	return statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound
}
