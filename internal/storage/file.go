package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deadman/internal/model"
	logx "deadman/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.checks.jsonl        (append-only JSON Lines)
//   - <prefix>.notifications.jsonl (append-only JSON Lines)
//
// Both journals are replayed into a per-subject index at open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	checksFile *os.File
	notifsFile *os.File

	checks map[string][]model.CheckRecord
	notifs map[string][]model.NotificationRecord
	nextID int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("database.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("create dir", err)
	}

	st := &fileStore{
		log:    log,
		checks: map[string][]model.CheckRecord{},
		notifs: map[string][]model.NotificationRecord{},
	}

	checksPath := prefix + ".checks.jsonl"
	notifsPath := prefix + ".notifications.jsonl"

	// A torn final line must not be glued to the next append.
	for _, p := range []string{checksPath, notifsPath} {
		if err := repairTail(p, log); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, wrap("repair journal", err)
		}
	}

	if err := replayJSONL(checksPath, log, func(b []byte) error {
		var r model.CheckRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		if r.SubjectID == "" {
			return errors.New("missing subject_id")
		}
		st.checks[r.SubjectID] = append(st.checks[r.SubjectID], r)
		st.nextID = max(st.nextID, r.ID)
		return nil
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("replay checks", err)
	}
	if err := replayJSONL(notifsPath, log, func(b []byte) error {
		var r model.NotificationRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		if r.SubjectID == "" {
			return errors.New("missing subject_id")
		}
		st.notifs[r.SubjectID] = append(st.notifs[r.SubjectID], r)
		st.nextID = max(st.nextID, r.ID)
		return nil
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("replay notifications", err)
	}

	cf, err := os.OpenFile(checksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wrap("open checks journal", err)
	}
	nf, err := os.OpenFile(notifsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = cf.Close()
		return nil, wrap("open notifications journal", err)
	}
	st.checksFile = cf
	st.notifsFile = nf

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("subjects", len(st.checks)),
	)
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.checksFile != nil {
		err1 = s.checksFile.Close()
		s.checksFile = nil
	}
	if s.notifsFile != nil {
		err2 = s.notifsFile.Close()
		s.notifsFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrap("ping", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checksFile == nil {
		return ErrClosed
	}
	return nil
}

func (s *fileStore) AppendCheck(ctx context.Context, rec *model.CheckRecord) error {
	if rec == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return wrap("append check", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checksFile == nil {
		return ErrClosed
	}
	cp := *rec
	cp.ID = s.nextID + 1
	cp.CheckedAt = cp.CheckedAt.Truncate(time.Millisecond)
	if err := appendLine(s.checksFile, cp); err != nil {
		return wrap("append check", err)
	}
	s.nextID = cp.ID
	rec.ID = cp.ID
	s.checks[cp.SubjectID] = append(s.checks[cp.SubjectID], cp)
	return nil
}

func (s *fileStore) AppendNotification(ctx context.Context, rec *model.NotificationRecord) error {
	if rec == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return wrap("append notification", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifsFile == nil {
		return ErrClosed
	}
	cp := *rec
	cp.ID = s.nextID + 1
	cp.SentAt = cp.SentAt.Truncate(time.Millisecond)
	if err := appendLine(s.notifsFile, cp); err != nil {
		return wrap("append notification", err)
	}
	s.nextID = cp.ID
	rec.ID = cp.ID
	s.notifs[cp.SubjectID] = append(s.notifs[cp.SubjectID], cp)
	return nil
}

// latestCheckIndex returns the index of the newest record matching keep, or -1.
// Ties on time resolve to the later append.
func latestCheckIndex(recs []model.CheckRecord, keep func(model.CheckRecord) bool) int {
	best := -1
	for i, r := range recs {
		if keep != nil && !keep(r) {
			continue
		}
		if best < 0 || !r.CheckedAt.Before(recs[best].CheckedAt) {
			best = i
		}
	}
	return best
}

func (s *fileStore) LatestCheck(ctx context.Context, subjectID string) (model.CheckRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.checks[subjectID]
	if i := latestCheckIndex(recs, nil); i >= 0 {
		return recs[i], true, nil
	}
	return model.CheckRecord{}, false, nil
}

func (s *fileStore) LatestCheckInState(ctx context.Context, subjectID string, state model.State) (model.CheckRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.checks[subjectID]
	if i := latestCheckIndex(recs, func(r model.CheckRecord) bool { return r.State == state }); i >= 0 {
		return recs[i], true, nil
	}
	return model.CheckRecord{}, false, nil
}

func (s *fileStore) SentAfter(ctx context.Context, subjectID string, after time.Time) (model.NotificationRecord, bool, error) {
	_ = ctx
	after = after.Truncate(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found model.NotificationRecord
		ok    bool
	)
	for _, r := range s.notifs[subjectID] {
		if r.Delivery != model.DeliverySent {
			continue
		}
		if !after.IsZero() && !r.SentAt.After(after) {
			continue
		}
		if !ok || r.SentAt.Before(found.SentAt) {
			found, ok = r, true
		}
	}
	return found, ok, nil
}

func (s *fileStore) LatestChecks(ctx context.Context) ([]model.CheckRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CheckRecord, 0, len(s.checks))
	for _, recs := range s.checks {
		if i := latestCheckIndex(recs, nil); i >= 0 {
			out = append(out, recs[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *fileStore) RecentChecks(ctx context.Context, subjectID string, limit int) ([]model.CheckRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	recs := append([]model.CheckRecord(nil), s.checks[subjectID]...)
	s.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CheckedAt.Equal(recs[j].CheckedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CheckedAt.After(recs[j].CheckedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *fileStore) RecentNotifications(ctx context.Context, subjectID string, limit int) ([]model.NotificationRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	recs := append([]model.NotificationRecord(nil), s.notifs[subjectID]...)
	s.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].SentAt.Equal(recs[j].SentAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].SentAt.After(recs[j].SentAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func appendLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// replayJSONL feeds each non-empty line of path to fn. Lines fn rejects
// are logged and skipped.
func replayJSONL(path string, log logx.Logger, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			log.Warn("skipping undecodable journal line",
				logx.String("path", path), logx.Int("line", n), logx.Int("bytes", len(line)), logx.Err(err))
		}
	}
	return sc.Err()
}

// repairTail makes path end in a newline. A crash mid-append leaves an
// unterminated last line: it is kept and terminated when it is a whole
// JSON value, otherwise cut off.
func repairTail(path string, log logx.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}

	// Find the start of the unterminated line.
	buf := make([]byte, 4096)
	start := int64(0)
	for end := size; end > 0; {
		off := max(0, end-int64(len(buf)))
		chunk := buf[:end-off]
		if _, err := f.ReadAt(chunk, off); err != nil {
			return err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			start = off + int64(i) + 1
			break
		}
		end = off
	}

	frag := make([]byte, size-start)
	if _, err := f.ReadAt(frag, start); err != nil {
		return err
	}
	if json.Valid(frag) {
		log.Warn("terminating journal tail", logx.String("path", path))
		if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
			return err
		}
	} else {
		log.Warn("truncating torn journal tail",
			logx.String("path", path), logx.Int64("dropped_bytes", size-start))
		if err := f.Truncate(start); err != nil {
			return err
		}
	}
	return f.Sync()
}
