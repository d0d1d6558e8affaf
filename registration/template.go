package registration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/stage"
)

// templateFetchTimeout bounds a template download.
const templateFetchTimeout = 5 * time.Minute

// downloadedTemplate is the file name of a fetched FA template.
const downloadedTemplate = "MNI_FA_template.nii.gz"

// resolveFATemplate returns the FA template path, downloading it into dir
// when only a URL is configured.
func resolveFATemplate(ctx context.Context, r *stage.Runner, t Templates, dir string) (string, error) {
	if t.FA != "" {
		if err := r.Require("fa_template", t.FA); err != nil {
			return "", err
		}
		return t.FA, nil
	}
	if t.FAURL == "" {
		return "", fmt.Errorf("fa_template: no template path or URL configured")
	}
	dst := filepath.Join(dir, downloadedTemplate)
	err := r.Do("fa_template", []string{dst}, func() error {
		return fetch(ctx, t.FAURL, dst)
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// fetch downloads url to dst through a temporary file so that an
// interrupted download never leaves a partial template behind.
func fetch(ctx context.Context, url, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, templateFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer iox.DiscardClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".template-*")
	if err != nil {
		return err
	}
	defer iox.DiscardErr(func() error { return os.Remove(tmp.Name()) })

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		iox.DiscardClose(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
