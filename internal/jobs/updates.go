package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	goversion "github.com/hashicorp/go-version"

	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

const DefaultReleasesURL = "https://api.github.com/repos/inventree/inventree/releases/latest"

type UpdatesConfig struct {
	URL string
	// CurrentVersion, when set, is compared against the latest release.
	CurrentVersion string
}

var reReleaseTag = regexp.MustCompile(`^.*(\d+)\.(\d+)\.(\d+).*$`)

type releaseInfo struct {
	TagName string `json:"tag_name"`
}

// CheckForUpdates records the tag of the latest published release.
func (j *Jobs) CheckForUpdates(ctx context.Context, _ registry.Args) error {
	if !j.ready("check_for_updates") {
		return nil
	}
	cfg := j.config().Updates
	url := cfg.URL
	if url == "" {
		url = DefaultReleasesURL
	}

	resp, err := j.http.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("check for updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.NoRetry(fmt.Errorf("unexpected status code from GitHub API: %d", resp.StatusCode))
	}

	var info releaseInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return engine.NoRetry(fmt.Errorf("decode release: %w", err))
	}
	tag := info.TagName
	if tag == "" {
		return engine.NoRetry(fmt.Errorf("'tag_name' missing from GitHub response"))
	}

	m := reReleaseTag.FindStringSubmatch(tag)
	if len(m) != 4 {
		j.log.Warn(fmt.Sprintf("version '%s' did not match expected pattern", tag), logx.String("tag", tag))
		return nil
	}
	latest, err := goversion.NewVersion(m[1] + "." + m[2] + "." + m[3])
	if err != nil {
		return engine.NoRetry(fmt.Errorf("version '%s' is not correct format: %w", tag, err))
	}
	j.log.Info(fmt.Sprintf("latest InvenTree version: '%s'", tag), logx.String("version", latest.String()))

	if cfg.CurrentVersion != "" {
		if cur, err := goversion.NewVersion(cfg.CurrentVersion); err == nil && cur.LessThan(latest) {
			j.log.Info("update available", logx.String("current", cur.String()), logx.String("latest", latest.String()))
		}
	}

	if err := j.store.SetSetting(ctx, LatestVersionSetting, tag); err != nil {
		return j.storeSkipped("check_for_updates", err)
	}
	return nil
}
