package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-maildir"

	"github.com/mailroom/mailroom/lib"
)

const indexFile = "index.json"

// MaildirStore keeps each cached message as a standalone file in maildir
// layout, so the cache stays readable by any mail tool. A JSON sidecar per
// folder maps UIDs to maildir keys.
type MaildirStore struct {
	root string
	log  lib.Logger
	mu   sync.Mutex
}

func NewMaildirStore(root string, logger lib.Logger) (*MaildirStore, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("maildir is not supported on Windows")
	}
	if logger == nil {
		logger = &lib.NoLog{}
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &MaildirStore{root: root, log: logger}, nil
}

// folderPath flattens the server folder path into a single directory name,
// the same way maildir tools nest folders.
func (s *MaildirStore) folderPath(folder string) string {
	return filepath.Join(s.root, strings.ReplaceAll(folder, "/", "."))
}

func (s *MaildirStore) dir(folder string) (maildir.Dir, error) {
	path := s.folderPath(folder)
	mbox := maildir.Dir(path)
	if _, err := os.Stat(path); err == nil || errors.Is(err, fs.ErrExist) {
		return mbox, nil
	}
	if err := mbox.Init(); err != nil {
		return mbox, fmt.Errorf("cannot create maildir %q: %w", path, err)
	}
	return mbox, nil
}

func toMaildirFlags(flags []string) []maildir.Flag {
	var converted []maildir.Flag
	for _, flag := range flags {
		switch flag {
		case "\\Seen":
			converted = append(converted, maildir.FlagSeen)
		case "\\Answered":
			converted = append(converted, maildir.FlagReplied)
		case "\\Flagged":
			converted = append(converted, maildir.FlagFlagged)
		case "\\Deleted":
			converted = append(converted, maildir.FlagTrashed)
		case "\\Draft":
			converted = append(converted, maildir.FlagDraft)
		}
	}
	return converted
}

func (s *MaildirStore) Put(folder string, uid uint32, flags []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.dir(folder)
	if err != nil {
		return err
	}
	index, err := s.readIndex(folder)
	if err != nil {
		return err
	}
	// replace any previous copy of this UID
	if key, found := index[uid]; found {
		if err := s.removeByKey(mbox, key); err != nil {
			return err
		}
	}

	msg, writer, err := mbox.Create(toMaildirFlags(flags))
	if err != nil {
		return fmt.Errorf("cannot create message in %q: %w", folder, err)
	}
	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		return fmt.Errorf("cannot write message uid=%d: %w", uid, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("cannot write message uid=%d: %w", uid, err)
	}

	index[uid] = msg.Key()
	s.log.Printf("cached uid=%d as %q (%d bytes)", uid, msg.Key(), len(raw))
	return s.writeIndex(folder, index)
}

func (s *MaildirStore) Has(folder string, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex(folder)
	if err != nil {
		return false, err
	}
	_, found := index[uid]
	return found, nil
}

func (s *MaildirStore) Get(folder string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex(folder)
	if err != nil {
		return nil, err
	}
	key, found := index[uid]
	if !found {
		return nil, ErrNotCached
	}
	mbox := maildir.Dir(s.folderPath(folder))
	msg, err := s.messageByKey(mbox, key)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotCached
	}
	file, err := msg.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open cached message uid=%d: %w", uid, err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (s *MaildirStore) Delete(folder string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex(folder)
	if err != nil {
		return err
	}
	key, found := index[uid]
	if !found {
		return nil
	}
	mbox := maildir.Dir(s.folderPath(folder))
	if err := s.removeByKey(mbox, key); err != nil {
		return err
	}
	delete(index, uid)
	return s.writeIndex(folder, index)
}

func (s *MaildirStore) UIDs(folder string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex(folder)
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, 0, len(index))
	for uid := range index {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *MaildirStore) Close() error {
	return nil
}

func (s *MaildirStore) messageByKey(mbox maildir.Dir, key string) (*maildir.Message, error) {
	messages, err := mbox.Messages()
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.Key() == key {
			return msg, nil
		}
	}
	return nil, nil
}

func (s *MaildirStore) removeByKey(mbox maildir.Dir, key string) error {
	msg, err := s.messageByKey(mbox, key)
	if err != nil || msg == nil {
		return err
	}
	return os.Remove(msg.Filename())
}

func (s *MaildirStore) indexPath(folder string) string {
	return filepath.Join(s.folderPath(folder), indexFile)
}

func (s *MaildirStore) readIndex(folder string) (map[uint32]string, error) {
	index := map[uint32]string{}
	content, err := os.ReadFile(s.indexPath(folder))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return index, nil
		}
		return nil, err
	}
	var encoded map[string]string
	if err := json.Unmarshal(content, &encoded); err != nil {
		return nil, fmt.Errorf("corrupt cache index for %q: %w", folder, err)
	}
	for uidString, key := range encoded {
		uid, err := strconv.ParseUint(uidString, 10, 32)
		if err != nil {
			continue
		}
		index[uint32(uid)] = key
	}
	return index, nil
}

func (s *MaildirStore) writeIndex(folder string, index map[uint32]string) error {
	encoded := make(map[string]string, len(index))
	for uid, key := range index {
		encoded[strconv.FormatUint(uint64(uid), 10)] = key
	}
	content, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(folder), content, 0600)
}
