package cache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
)

const maxPrefixLen = 32

// NewStore 以 dir 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(dir string) (Store, error) {
	if dir == "" {
		return nil, zerr.New("cache dir required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, zerr.Wrap(err, "resolve cache dir")
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, zerr.Wrap(err, "create cache dir")
	}

	return &fileStore{
		dir:   abs,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同名文件并发替换，随机命名的内容文件天然不冲突。
type fileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Dir() string {
	return s.dir
}

func (s *fileStore) Create(ctx context.Context, prefix string, body io.Reader) (*File, error) {
	name := SanitizePrefix(prefix) + "." + uuid.NewString() + FileSuffix
	return s.write(ctx, name, body)
}

func (s *fileStore) WriteFile(ctx context.Context, name string, body io.Reader) (*File, error) {
	if _, err := s.path(name); err != nil {
		return nil, err
	}
	unlock := s.lockEntry(name)
	defer unlock()
	return s.write(ctx, name, body)
}

func (s *fileStore) write(ctx context.Context, name string, body io.Reader) (*File, error) {
	filePath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &File{
		Name:      name,
		Path:      filePath,
		SizeBytes: written,
		ModTime:   time.Now().UTC(),
	}, nil
}

func (s *fileStore) Open(name string) (*ReadResult, error) {
	filePath, err := s.path(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		File: File{
			Name:      name,
			Path:      filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) ReadFile(name string) ([]byte, error) {
	result, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()
	return io.ReadAll(result.Reader)
}

func (s *fileStore) Remove(name string) error {
	filePath, err := s.path(name)
	if err != nil {
		return err
	}
	unlock := s.lockEntry(name)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileSuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Name:      entry.Name(),
			Path:      filepath.Join(s.dir, entry.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *fileStore) Wipe() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// path 拒绝任何带目录成分的文件名，保证所有文件都落在缓存目录内。
func (s *fileStore) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", zerr.Wrap(ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// SanitizePrefix 将任意标识转换为安全的文件名前缀。
func SanitizePrefix(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxPrefixLen {
			break
		}
	}
	if b.Len() == 0 {
		return "content"
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
