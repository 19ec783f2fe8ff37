package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// InUseChecker reports whether a descriptor name currently has a live pool
// slot, consulted by Delete so the catalog never removes files out from
// under a running backend. Implemented by pkg/pool.
type InUseChecker interface {
	InUse(name string) bool
}

// Catalog is the ModelCatalog: the registry of ModelDescriptors plus their
// content-addressed local cache.
type Catalog struct {
	mu    sync.RWMutex
	byName map[string]Descriptor
	order []string // insertion order is irrelevant; List() always sorts by name

	root       string // cache root, e.g. ~/.cache/lemonade-router
	catalogPath string
	log        logging.Logger
	inUse      InUseChecker
	httpClient *http.Client
}

// New constructs a Catalog rooted at root, loading any existing catalog.json.
func New(root string, log logging.Logger, inUse InUseChecker) (*Catalog, error) {
	c := &Catalog{
		byName:      make(map[string]Descriptor),
		root:        root,
		catalogPath: filepath.Join(root, "catalog.json"),
		log:         log,
		inUse:       inUse,
		httpClient:  &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}},
	}
	if err := os.MkdirAll(filepath.Join(root, "models"), 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	data, err := os.ReadFile(c.catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}
	var descriptors []Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	for _, d := range descriptors {
		c.byName[d.Name] = d
	}
	return nil
}

// persist writes the catalog to disk atomically. Caller must hold c.mu.
func (c *Catalog) persist() error {
	names := c.sortedNamesLocked()
	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, c.byName[name])
	}
	data, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := atomicwriter.WriteFile(c.catalogPath, data, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

func (c *Catalog) sortedNamesLocked() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register inserts descriptor, idempotent by name. Re-registering the same
// name with a different recipe or class fails with ConflictingDescriptor.
func (c *Catalog) Register(d Descriptor) error {
	if err := ValidateInvariants(d); err != nil {
		return apierrors.Wrap(apierrors.Internal, err, "invalid descriptor %q", d.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byName[d.Name]; ok {
		if existing.Recipe != d.Recipe || existing.Class != d.Class {
			return apierrors.New(apierrors.ConflictingDescriptor,
				"model %q already registered with recipe=%s class=%s", d.Name, existing.Recipe, existing.Class)
		}
		return nil
	}
	c.byName[d.Name] = d
	return c.persist()
}

// Lookup returns the descriptor for name, or UnknownModel if absent.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, apierrors.New(apierrors.UnknownModel, "model %q is not registered", name)
	}
	return d, nil
}

// List returns every descriptor, ordered by name.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := c.sortedNamesLocked()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, c.byName[name])
	}
	return out
}

// Delete removes name from the catalog and its cached files, refusing if a
// live pool slot still references it.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.byName[name]
	if !ok {
		return apierrors.New(apierrors.UnknownModel, "model %q is not registered", name)
	}
	if c.inUse != nil && c.inUse.InUse(name) {
		return apierrors.New(apierrors.Internal, "model %q has a live slot and cannot be deleted", name)
	}
	delete(c.byName, name)
	if err := c.persist(); err != nil {
		return err
	}
	if d.Location != "" && filepath.IsLocal(relOrSelf(c.root, d.Location)) {
		_ = os.RemoveAll(d.Location)
	}
	return nil
}

// relOrSelf returns target relative to root (starting with ".." when target
// lies outside root), or target itself when no relative path can be formed
// (used only to decide whether RemoveAll is safe).
func relOrSelf(root, target string) string {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return target
	}
	return rel
}

// InstallLocal copies a local directory tree into the content-addressed
// cache and registers it. Recipe is required (cannot be inferred for local
// paths). Vision models require mmproj.
func (c *Catalog) InstallLocal(name, srcPath string, recipe options.Recipe, class Class, labels []Label, mmproj string) (Descriptor, error) {
	if recipe == "" {
		return Descriptor{}, apierrors.New(apierrors.Internal, "recipe is required for local model installs")
	}
	hasVision := false
	for _, l := range labels {
		if l == LabelVision {
			hasVision = true
		}
	}
	if hasVision && mmproj == "" {
		return Descriptor{}, apierrors.New(apierrors.Internal, "mmproj is required for vision models")
	}

	dest, err := c.copyIntoCache(srcPath)
	if err != nil {
		return Descriptor{}, fmt.Errorf("install local model %q: %w", name, err)
	}

	d := Descriptor{
		Name:       name,
		Class:      class,
		Recipe:     recipe,
		Location:   dest,
		Labels:     labels,
		MMProjPath: mmproj,
	}
	if err := c.Register(d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// copyIntoCache hashes srcPath's contents and copies the tree into
// models/<sha256>/ under the cache root, content-addressed so repeated
// installs of identical content are deduplicated.
func (c *Catalog) copyIntoCache(srcPath string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", srcPath, err)
	}

	digest, err := hashTree(srcPath)
	if err != nil {
		return "", fmt.Errorf("hash %q: %w", srcPath, err)
	}
	dest := filepath.Join(c.root, "models", digest)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil // already cached under this content hash
	}

	if info.IsDir() {
		if err := copyDir(srcPath, dest); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", err
		}
		if err := copyFile(srcPath, filepath.Join(dest, filepath.Base(srcPath))); err != nil {
			return "", err
		}
	}
	return dest, nil
}

// hashTree computes a stable content hash for a file or directory tree by
// hashing the sorted list of (relative path, file content) pairs.
func hashTree(root string) (string, error) {
	h := sha256.New()
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		f, err := os.Open(root)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	var relPaths []string
	if err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, rel)
		return nil
	}); err != nil {
		return "", err
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		fmt.Fprintln(h, rel)
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			return "", copyErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Pull fetches a model from a remote checkpoint store, reporting progress as
// a lazy finite sequence of events on the returned channel. The channel is
// closed after the terminal event (status "success" or an error status).
func (c *Catalog) Pull(checkpoint string, recipe options.Recipe, labels []Label) (<-chan PullEvent, error) {
	if recipe == "" {
		return nil, apierrors.New(apierrors.Internal, "recipe is required to pull %q", checkpoint)
	}

	events := make(chan PullEvent, 8)
	jobID := uuid.NewString()
	log := c.log.WithField("job_id", jobID).WithField("checkpoint", checkpoint)

	go func() {
		defer close(events)

		resp, err := c.httpClient.Get(checkpoint)
		if err != nil {
			log.WithError(err).Warn("pull request failed")
			events <- PullEvent{Status: "error", Error: err.Error()}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			events <- PullEvent{Status: "error", Error: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
			return
		}

		total := resp.ContentLength
		destDir := filepath.Join(c.root, "models", "pulling-"+jobID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			events <- PullEvent{Status: "error", Error: err.Error()}
			return
		}
		destFile := filepath.Join(destDir, filepath.Base(checkpoint))

		f, err := os.Create(destFile)
		if err != nil {
			events <- PullEvent{Status: "error", Error: err.Error()}
			return
		}

		pr := &progressReader{r: resp.Body, total: total, events: events}
		_, copyErr := io.Copy(f, pr)
		f.Close()
		if copyErr != nil {
			_ = os.RemoveAll(destDir)
			events <- PullEvent{Status: "error", Error: copyErr.Error()}
			return
		}

		digest, err := hashTree(destDir)
		if err != nil {
			events <- PullEvent{Status: "error", Error: err.Error()}
			return
		}
		final := filepath.Join(c.root, "models", digest)
		if _, err := os.Stat(final); os.IsNotExist(err) {
			if err := os.Rename(destDir, final); err != nil {
				events <- PullEvent{Status: "error", Error: err.Error()}
				return
			}
		} else {
			_ = os.RemoveAll(destDir)
		}

		name := checkpoint
		d := Descriptor{
			Name:     name,
			Class:    classForLabels(labels),
			Recipe:   recipe,
			Location: final,
			Labels:   labels,
		}
		if err := c.Register(d); err != nil {
			events <- PullEvent{Status: "error", Error: err.Error()}
			return
		}

		events <- PullEvent{Status: "success", CompletedBytes: pr.completed, TotalBytes: total}
	}()

	return events, nil
}

// classForLabels infers the model class implied by the embeddings/reranking
// labels, defaulting to LLM per the class/label coupling invariant.
func classForLabels(labels []Label) Class {
	for _, l := range labels {
		switch l {
		case LabelEmbeddings:
			return ClassEmbedding
		case LabelReranking:
			return ClassReranking
		}
	}
	return ClassLLM
}

// progressReader wraps an io.Reader, emitting a PullEvent on events every
// time it has read enough new bytes to be worth reporting.
type progressReader struct {
	r         io.Reader
	total     int64
	completed int64
	events    chan<- PullEvent
	lastSent  time.Time
}

const progressReportThreshold = 1 << 20 // 1MB, matches the teacher's MinBytesForUpdate

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.completed += int64(n)
	if n > 0 && (time.Since(p.lastSent) >= 100*time.Millisecond || p.completed%progressReportThreshold < int64(n)) {
		p.lastSent = time.Now()
		select {
		case p.events <- PullEvent{Status: "downloading", CompletedBytes: p.completed, TotalBytes: p.total}:
		default:
		}
	}
	return n, err
}

// ScanExtraDir walks a secondary directory for recipe-inferable model trees
// and registers any whose name isn't already cataloged. A model tree is
// recognized by the presence of a config.json or a .gguf file at its top
// level; the containing directory name becomes the model name.
func (c *Catalog) ScanExtraDir(dir string, recipe options.Recipe, class Class, labels []Label) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan extra models dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		c.mu.RLock()
		_, exists := c.byName[name]
		c.mu.RUnlock()
		if exists {
			continue
		}
		childPath := filepath.Join(dir, name)
		if !looksLikeModelTree(childPath) {
			continue
		}
		d := Descriptor{
			Name:     name,
			Class:    class,
			Recipe:   recipe,
			Location: childPath,
			Labels:   labels,
		}
		if err := c.Register(d); err != nil {
			c.log.WithError(err).Warnf("skipping extra model dir %q", childPath)
		}
	}
	return nil
}

func looksLikeModelTree(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "config.json" || filepath.Ext(name) == ".gguf" {
			return true
		}
	}
	return false
}
