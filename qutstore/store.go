// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package qutstore // import "github.com/quickenunwind/quicken/qutstore"

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quickenunwind/quicken/generator"
	"github.com/quickenunwind/quicken/internal/log"
	"github.com/quickenunwind/quicken/quicken"
	"github.com/quickenunwind/quicken/quicken/table"
)

const (
	tempPrefix      = "tmp."
	malformedSuffix = "_malformed_"
	hashInfix       = ".hash."
)

// FileKind classifies the entries of a store directory.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindTable
	KindHashLink
	KindTemp
	KindMalformed
)

// File describes one entry of a store directory.
type File struct {
	Name    string
	Kind    FileKind
	Soname  string
	ID      string
	Size    int64
	ModTime time.Time
}

// Dir is a directory of table files. Tables are stored as
// "<soname>.<build id>", with a "<soname>.hash.<hash>" symbolic link
// pointing to them when the content hash of the binary is known.
//
// Multiple processes may share one directory: files are written to a
// temporary name and renamed into place.
type Dir struct {
	path   string
	arch   quicken.Arch
	opts   Options
	mirror *S3Mirror
}

var _ generator.TableStore = (*Dir)(nil)

// DirConfig configures a Dir.
type DirConfig struct {
	Path string
	// Arch rejects files of other architectures when set.
	Arch quicken.Arch
	// Compress stores new files zstd compressed.
	Compress bool
	// Mirror is consulted on local misses and receives saved files.
	Mirror *S3Mirror
}

// NewDir opens the store directory, creating it when needed.
func NewDir(cfg DirConfig) (*Dir, error) {
	if cfg.Path == "" {
		return nil, errors.New("no store directory given")
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Dir{
		path:   cfg.Path,
		arch:   cfg.Arch,
		opts:   Options{Compress: cfg.Compress},
		mirror: cfg.Mirror,
	}, nil
}

// Path returns the store directory.
func (d *Dir) Path() string {
	return d.path
}

func checkName(part string) error {
	if part == "" || part != filepath.Base(part) || strings.HasPrefix(part, ".") {
		return fmt.Errorf("invalid file name component %q", part)
	}
	return nil
}

// TableName returns the file name of the table of soname and id.
func TableName(soname, id string) string {
	return soname + "." + id
}

// HashLinkName returns the file name of the hash link of soname.
func HashLinkName(soname, hash string) string {
	return soname + hashInfix + hash
}

// Load reads the table of soname and buildID. Malformed files are renamed
// aside so the binary gets regenerated. A miss returns fs.ErrNotExist.
func (d *Dir) Load(soname, buildID string) (*table.Table, error) {
	if err := checkName(soname); err != nil {
		return nil, err
	}
	if err := checkName(buildID); err != nil {
		return nil, err
	}
	return d.load(TableName(soname, buildID))
}

// LoadByHash reads the table of soname through its hash link.
func (d *Dir) LoadByHash(soname, hash string) (*table.Table, error) {
	if err := checkName(soname); err != nil {
		return nil, err
	}
	if err := checkName(hash); err != nil {
		return nil, err
	}
	return d.load(HashLinkName(soname, hash))
}

func (d *Dir) load(name string) (*table.Table, error) {
	path := filepath.Join(d.path, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && d.mirror != nil {
		data, err = d.fetch(name)
	}
	if err != nil {
		return nil, err
	}

	t, err := Unmarshal(data, d.arch)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			d.renameMalformed(path)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	// The modification time records the last use for Clean.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		log.Debugf("Failed to touch %s: %v", path, err)
	}
	return t, nil
}

// fetch downloads name from the mirror into the directory.
func (d *Dir) fetch(name string) ([]byte, error) {
	data, err := d.mirror.Download(context.TODO(), name)
	if err != nil {
		return nil, err
	}
	if err := d.writeFile(name, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Dir) renameMalformed(path string) {
	malformed := path + malformedSuffix + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(path, malformed); err != nil {
		log.Warnf("Failed to move malformed table file %s aside: %v", path, err)
		return
	}
	log.Infof("Moved malformed table file %s to %s", path, malformed)
}

// Save writes the table of bin and links it from the content hash. Saved
// files are uploaded to the mirror; upload failures are only logged.
func (d *Dir) Save(bin generator.Binary, t *table.Table) error {
	id := bin.ID()
	if err := checkName(bin.Soname); err != nil {
		return err
	}
	if err := checkName(id); err != nil {
		return err
	}
	data, err := Marshal(t, d.opts)
	if err != nil {
		return err
	}

	name := TableName(bin.Soname, id)
	if err := d.writeFile(name, data); err != nil {
		return err
	}
	if bin.Hash != "" && bin.Hash != id {
		if err := d.link(name, HashLinkName(bin.Soname, bin.Hash)); err != nil {
			log.Warnf("Failed to link %s: %v", name, err)
		}
	}

	if d.mirror != nil {
		if err := d.mirror.Upload(context.TODO(), name, data); err != nil {
			log.Warnf("Failed to mirror %s: %v", name, err)
		}
	}
	return nil
}

func (d *Dir) writeFile(name string, data []byte) error {
	temp, err := os.CreateTemp(d.path, tempPrefix+name+".")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		temp.Close()
		// Fails with ENOENT after a successful commit.
		os.Remove(temp.Name())
	}()

	if _, err := temp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", temp.Name(), err)
	}
	return commitTempFile(temp, filepath.Join(d.path, name))
}

// link points the symbolic link name at target, replacing an old link.
func (d *Dir) link(target, name string) error {
	path := filepath.Join(d.path, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(target, path)
}

// commitTempFile makes sure that temp is flushed to disk, then moves it to
// finalPath.
func commitTempFile(temp *os.File, finalPath string) error {
	if err := syscall.Fsync(int(temp.Fd())); err != nil {
		return fmt.Errorf("failed to flush file to disk: %w", err)
	}
	if err := os.Rename(temp.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

// Remove deletes the table of soname and id with its hash links.
func (d *Dir) Remove(soname, id string) error {
	files, err := d.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if f.Soname != soname {
			continue
		}
		target := f.ID
		if f.Kind == KindHashLink {
			dest, err := os.Readlink(filepath.Join(d.path, f.Name))
			if err != nil {
				continue
			}
			target = strings.TrimPrefix(dest, soname+".")
		}
		if target == id && (f.Kind == KindTable || f.Kind == KindHashLink) {
			if err := os.Remove(filepath.Join(d.path, f.Name)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// List classifies all entries of the directory.
func (d *Dir) List() ([]File, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		f := parseName(e.Name())
		f.Size = info.Size()
		f.ModTime = info.ModTime()
		if f.Kind == KindTable && e.Type()&fs.ModeSymlink != 0 {
			f.Kind = KindUnknown
		}
		files = append(files, f)
	}
	return files, nil
}

// parseName classifies a directory entry by its name.
func parseName(name string) File {
	f := File{Name: name}
	switch {
	case strings.HasPrefix(name, tempPrefix):
		f.Kind = KindTemp
	case strings.Contains(name, malformedSuffix):
		f.Kind = KindMalformed
	case strings.Contains(name, hashInfix):
		i := strings.LastIndex(name, hashInfix)
		f.Kind = KindHashLink
		f.Soname, f.ID = name[:i], name[i+len(hashInfix):]
	default:
		i := strings.LastIndexByte(name, '.')
		if i <= 0 || i == len(name)-1 {
			return f
		}
		f.Kind = KindTable
		f.Soname, f.ID = name[:i], name[i+1:]
	}
	return f
}

// Mirror returns the S3 mirror of the directory, nil without one.
func (d *Dir) Mirror() *S3Mirror {
	return d.mirror
}

// Sync uploads the local tables missing from the mirror and returns how
// many were checked.
func (d *Dir) Sync(ctx context.Context) (int, error) {
	if d.mirror == nil {
		return 0, errors.New("no mirror configured")
	}
	files, err := d.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if f.Kind != KindTable {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.path, f.Name))
		if err != nil {
			return n, err
		}
		if err := d.mirror.Upload(ctx, f.Name, data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
