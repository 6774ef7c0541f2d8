package config

import (
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
)

// LoadFeeds parses every TOML feed definition the Rate section declares,
// plus any *.toml found under the feeds directory. A malformed file under
// the directory is logged and skipped; an explicitly listed file must parse.
func (c *Config) LoadFeeds() ([]*rates.FeedConfig, error) {
	feeds := make([]*rates.FeedConfig, 0, len(c.Rate.Feeds))

	for _, path := range c.Rate.Feeds {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read feed config")
		}
		feed, err := rates.ParseFeedConfig(body)
		if err != nil {
			return nil, errors.Wrapf(err, "feed config %s", path)
		}
		feeds = append(feeds, feed)
	}

	if c.Rate.FeedsDir == "" {
		return feeds, nil
	}

	err := filepath.WalkDir(c.Rate.FeedsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if d.IsDir() {
			return nil
		} else if filepath.Ext(path) != ".toml" {
			return nil
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to read feed config")
		}
		feed, err := rates.ParseFeedConfig(body)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"filename": d.Name(),
			}).Errorln("failed to parse feed config, skipping")
			return nil
		}

		feeds = append(feeds, feed)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "feeds dir is configured, but failed to read from it: %s", c.Rate.FeedsDir)
	}

	return feeds, nil
}
