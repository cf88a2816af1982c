package proctable

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"emperror.dev/errors"
	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FilterConfig is the on-disk format of a process filter, YAML by default or TOML
// when the file name ends in .toml.
//
//	include: ["^nginx$", "^redis"]
//	exclude: ["^kworker/"]
type FilterConfig struct {
	Include []string `yaml:"include" toml:"include"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

func parseFilterConfig(file string, b []byte) (FilterConfig, error) {
	var cfg FilterConfig
	if strings.EqualFold(filepath.Ext(file), ".toml") {
		_, err := toml.Decode(string(b), &cfg)
		return cfg, err
	}
	err := yaml.Unmarshal(b, &cfg)
	return cfg, err
}

// Filter decides which processes are part of a snapshot, by process name.
// A nil Filter allows everything.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func NewFilter(cfg FilterConfig) (*Filter, error) {
	include, err := compileAll(cfg.Include)
	if err != nil {
		return nil, errors.Wrap(err, "invalid include pattern")
	}
	exclude, err := compileAll(cfg.Exclude)
	if err != nil {
		return nil, errors.Wrap(err, "invalid exclude pattern")
	}
	return &Filter{include: include, exclude: exclude}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}

func (f *Filter) Allows(name string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !matchesAny(f.include, name) {
		return false
	}
	return !matchesAny(f.exclude, name)
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Filtered wraps p so that snapshots only contain processes allowed by the filter
// returned by current at snapshot time. Excluded processes look exactly like exited ones.
func Filtered(p Provider, current func() *Filter) Provider {
	return &filteredProvider{Provider: p, current: current}
}

type filteredProvider struct {
	Provider
	current func() *Filter
}

func (p *filteredProvider) Snapshot(ctx context.Context) ([]Process, error) {
	procs, err := p.Provider.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	filter := p.current()
	if filter == nil {
		return procs, nil
	}
	allowed := procs[:0]
	for _, proc := range procs {
		if filter.Allows(proc.Name()) {
			allowed = append(allowed, proc)
		}
	}
	return allowed, nil
}

// FilterLoader holds the filter read from a file and reloads it when the file changes.
type FilterLoader struct {
	file    string
	current atomic.Pointer[Filter]
}

func NewFilterLoader(file string) (*FilterLoader, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, errors.Wrap(err, "filter configuration file does not exist")
	}
	l := &FilterLoader{file: file}
	return l, l.load()
}

func (l *FilterLoader) Filter() *Filter {
	return l.current.Load()
}

func (l *FilterLoader) load() error {
	b, err := os.ReadFile(l.file)
	if err != nil {
		return errors.Wrapf(err, "reading %s", l.file)
	}
	cfg, err := parseFilterConfig(l.file, b)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", l.file)
	}
	f, err := NewFilter(cfg)
	if err != nil {
		return errors.Wrapf(err, "loading %s", l.file)
	}
	l.current.Store(f)
	log.WithFields(map[string]interface{}{
		"file":    l.file,
		"include": len(cfg.Include),
		"exclude": len(cfg.Exclude),
	}).Info("loaded process filter")
	return nil
}

// Watch reloads the filter on every change in the file's directory until ctx is done.
// A file that fails to load leaves the previous filter in place.
func (l *FilterLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.file)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return errors.New("could not retrieve event")
			}
			if err := l.load(); err != nil {
				log.Errorf("error reloading process filter: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("could not retrieve error")
			}
			return err
		}
	}
}
