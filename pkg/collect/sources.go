package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tidwall/jsonc"
)

// maxBodyBytes caps how much of a remote response is read
const maxBodyBytes = 4 << 20

// ErrScriptUnsupported is reported for every configured script source
var ErrScriptUnsupported = errors.New("script execution not yet supported")

// Source produces one layer of raw data
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*RawData, error)
}

// FileSource reads a JSON object from disk. Comments and trailing commas are tolerated.
type FileSource struct {
	Path string
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Fetch(ctx context.Context) (*RawData, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	raw, err := ParseObject(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Path, err)
	}
	return raw, nil
}

// HTTPSource GETs a JSON object. Any non-2xx status is an error.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Name() string { return "http:" + s.URL }

func (s *HTTPSource) Fetch(ctx context.Context) (*RawData, error) {
	body, err := httpGet(ctx, s.Client, s.URL, "application/json")
	if err != nil {
		return nil, err
	}
	raw, err := ParseObject(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", s.URL, err)
	}
	return raw, nil
}

// ScriptSource is accepted in configuration but never executed
type ScriptSource struct {
	Path string
}

func (s *ScriptSource) Name() string { return "script:" + s.Path }

func (s *ScriptSource) Fetch(ctx context.Context) (*RawData, error) {
	return nil, ErrScriptUnsupported
}

func httpGet(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return body, nil
}
