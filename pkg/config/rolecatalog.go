package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

// roleCatalogFile is the on-disk role catalog layout
type roleCatalogFile struct {
	Roles []roleEntry `yaml:"roles"`
}

type roleEntry struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	ScopeKind   string   `yaml:"scope_kind"`
	Permissions []string `yaml:"permissions"`
}

// LoadRoleCatalog reads a YAML role catalog. An empty path returns the
// built-in catalog.
func LoadRoleCatalog(path string) ([]rbac.Role, error) {
	if path == "" {
		return rbac.SystemRoles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role catalog: %w", err)
	}
	return ParseRoleCatalog(data)
}

// ParseRoleCatalog decodes and validates a YAML role catalog. Every role is a
// system role. Unknown fields, unknown permissions and duplicate codes are
// rejected so a typo never silently drops a grant.
func ParseRoleCatalog(data []byte) ([]rbac.Role, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file roleCatalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse role catalog: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.New("role catalog defines no roles")
	}

	seen := make(map[string]struct{}, len(file.Roles))
	roles := make([]rbac.Role, 0, len(file.Roles))
	for i, e := range file.Roles {
		perms, err := rbac.ParsePermissions(e.Permissions)
		if err != nil {
			return nil, fmt.Errorf("role %d (%s): %w", i, e.Code, err)
		}
		role := rbac.Role{
			Code:        strings.TrimSpace(e.Code),
			Name:        strings.TrimSpace(e.Name),
			Description: e.Description,
			ScopeKind:   rbac.ScopeKind(strings.ToUpper(strings.TrimSpace(e.ScopeKind))),
			Permissions: perms,
			IsSystem:    true,
		}
		if err := role.Validate(); err != nil {
			return nil, fmt.Errorf("role %d (%s): %w", i, e.Code, err)
		}
		if _, dup := seen[role.Code]; dup {
			return nil, fmt.Errorf("duplicate role code %q", role.Code)
		}
		seen[role.Code] = struct{}{}
		roles = append(roles, role)
	}
	return roles, nil
}

// WatchRoleCatalog reloads the catalog at path whenever it changes and passes
// the result to onChange. A catalog that fails to parse is logged and skipped;
// the previous roles stay in effect. Watch blocks until ctx is cancelled.
func WatchRoleCatalog(ctx context.Context, path string, onChange func([]rbac.Role), logger *observability.Logger) error {
	logger = observability.OrDefault(logger).WithField("role_catalog", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config maps replace the file by rename
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch role catalog: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			roles, err := LoadRoleCatalog(abs)
			if err != nil {
				logger.WithError(err).Warn("role catalog reload failed, keeping previous roles")
				continue
			}
			logger.WithField("roles", len(roles)).Info("role catalog changed")
			onChange(roles)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("role catalog watcher error")
		}
	}
}
