package remote

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"

	"github.com/mailroom/mailroom/lib"
)

var headerFetchItems = []imap.FetchItem{
	imap.FetchEnvelope,
	imap.FetchFlags,
	imap.FetchUid,
	imap.FetchRFC822Size,
	imap.FetchInternalDate,
	imap.FetchBodyStructure,
}

// withFolder selects a folder for the duration of one unit of work and
// always releases it, even when the operation fails.
func (s *Session) withFolder(folder string, operation func(status *imap.MailboxStatus) error) error {
	status, err := s.client.Select(folder, false)
	if err != nil {
		// a refusal from a live connection is a clean protocol answer:
		// the folder is missing or cannot be selected
		if s.client.State()&imap.ConnectedState != 0 {
			return s.fail(fmt.Errorf("folder %q on %s: %s: %w", folder, s.cfg.Host, err, lib.ErrFolderNotFound))
		}
		return s.fail(fmt.Errorf("cannot select folder %q on %s: %w", folder, s.cfg.Host, err))
	}
	defer func() {
		// best-effort: not all servers support UNSELECT
		_ = s.client.Unselect()
	}()
	return operation(status)
}

// ListFolders returns the account folder tree. The server reports a flat
// list; entries are attached to their nearest ancestor present in the same
// result set, so an entry is only a root when no ancestor path was listed.
func (s *Session) ListFolders() ([]*Folder, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	flat := make([]*Folder, 0, 10)
	for m := range mailboxes {
		s.log.Printf("* %q: %+v (delimiter = %q)", m.Name, m.Attributes, m.Delimiter)
		if s.delimiter == "" {
			s.delimiter = m.Delimiter
		}
		flat = append(flat, folderFromInfo(m))
	}
	if err := <-done; err != nil {
		return nil, s.fail(fmt.Errorf("cannot list folders on %s: %w", s.cfg.Host, err))
	}
	return buildFolderTree(flat), nil
}

func folderFromInfo(m *imap.MailboxInfo) *Folder {
	name := m.Name
	if m.Delimiter != "" {
		if idx := strings.LastIndex(m.Name, m.Delimiter); idx >= 0 {
			name = m.Name[idx+len(m.Delimiter):]
		}
	}
	noSelect := false
	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, imap.NoSelectAttr) {
			noSelect = true
		}
	}
	return &Folder{
		Name:       name,
		Path:       m.Name,
		SpecialUse: detectSpecialUse(m.Attributes, m.Name),
		Flags:      m.Attributes,
		Delimiter:  m.Delimiter,
		NoSelect:   noSelect,
	}
}

func detectSpecialUse(attributes []string, path string) string {
	for _, attr := range attributes {
		switch {
		case strings.EqualFold(attr, imap.SentAttr):
			return imap.SentAttr
		case strings.EqualFold(attr, imap.TrashAttr):
			return imap.TrashAttr
		case strings.EqualFold(attr, imap.DraftsAttr):
			return imap.DraftsAttr
		case strings.EqualFold(attr, imap.JunkAttr):
			return imap.JunkAttr
		case strings.EqualFold(attr, imap.ArchiveAttr):
			return imap.ArchiveAttr
		}
	}
	// fall back to conventional names
	lower := strings.ToLower(path)
	switch {
	case lower == "inbox":
		return "\\Inbox"
	case strings.Contains(lower, "sent"):
		return imap.SentAttr
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return imap.TrashAttr
	case strings.Contains(lower, "draft"):
		return imap.DraftsAttr
	case strings.Contains(lower, "junk"), strings.Contains(lower, "spam"):
		return imap.JunkAttr
	}
	return ""
}

// buildFolderTree reduces a flat folder list into a parent/child tree by
// shared-delimiter path prefix.
func buildFolderTree(flat []*Folder) []*Folder {
	byPath := make(map[string]*Folder, len(flat))
	for _, folder := range flat {
		byPath[folder.Path] = folder
	}
	// shallow entries first, so ancestors are placed before descendants
	ordered := make([]*Folder, len(flat))
	copy(ordered, flat)
	sort.SliceStable(ordered, func(i, j int) bool {
		return pathDepth(ordered[i]) < pathDepth(ordered[j])
	})

	roots := make([]*Folder, 0, len(ordered))
	for _, folder := range ordered {
		parent := nearestAncestor(byPath, folder)
		if parent != nil {
			parent.Children = append(parent.Children, folder)
		} else {
			roots = append(roots, folder)
		}
	}
	return roots
}

func pathDepth(folder *Folder) int {
	if folder.Delimiter == "" {
		return 1
	}
	return len(strings.Split(folder.Path, folder.Delimiter))
}

func nearestAncestor(byPath map[string]*Folder, folder *Folder) *Folder {
	if folder.Delimiter == "" {
		return nil
	}
	segments := strings.Split(folder.Path, folder.Delimiter)
	for length := len(segments) - 1; length > 0; length-- {
		ancestorPath := strings.Join(segments[:length], folder.Delimiter)
		if ancestor, ok := byPath[ancestorPath]; ok {
			return ancestor
		}
	}
	return nil
}

// translateRange maps a display-index range (0 = newest message) onto the
// protocol's ascending sequence numbers (highest = newest). The range is
// clamped to the mailbox size before translation.
func translateRange(total, startIndex, endIndex uint32) (protoStart, protoEnd uint32, ok bool) {
	if total == 0 || startIndex >= total {
		return 0, 0, false
	}
	if endIndex > total {
		endIndex = total
	}
	if startIndex >= endIndex {
		return 0, 0, false
	}
	protoStart = total - endIndex + 1
	if protoStart < 1 {
		protoStart = 1
	}
	protoEnd = total - startIndex
	return protoStart, protoEnd, true
}

// FetchRange fetches message headers by display-index range, for
// virtualized list scrolling. Results are sorted ascending by display index;
// the protocol does not guarantee fetch return order.
func (s *Session) FetchRange(folder string, startIndex, endIndex uint32) (*RangeResult, error) {
	result := &RangeResult{
		Emails:     []*EmailHeader{},
		StartIndex: startIndex,
		EndIndex:   endIndex,
	}
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		total := status.Messages
		result.Total = total

		protoStart, protoEnd, ok := translateRange(total, startIndex, endIndex)
		if !ok {
			return nil
		}

		seqset := new(imap.SeqSet)
		seqset.AddRange(protoStart, protoEnd)

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.client.Fetch(seqset, headerFetchItems, messages)
		}()

		for msg := range messages {
			header, err := headerFromMessage(msg)
			if err != nil {
				s.log.Printf("skipping message seq=%d: %v", msg.SeqNum, err)
				continue
			}
			header.DisplayIndex = total - msg.SeqNum
			result.Emails = append(result.Emails, header)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("fetch %d:%d in %q failed: %w", protoStart, protoEnd, folder, err)
		}

		sort.Slice(result.Emails, func(i, j int) bool {
			return result.Emails[i].DisplayIndex < result.Emails[j].DisplayIndex
		})
		return nil
	})
	if err != nil {
		return nil, s.fail(err)
	}
	return result, nil
}

// Status returns the lightweight mailbox state used for delta sync: change
// detection without fetching any message.
func (s *Session) Status(folder string) (*FolderStatus, error) {
	var result *FolderStatus
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		result = &FolderStatus{
			Messages:    status.Messages,
			UIDValidity: status.UidValidity,
			UIDNext:     status.UidNext,
		}
		return nil
	})
	return result, err
}

// SearchAllUIDs returns every UID in the folder in ascending order, for
// diffing against a cached UID set.
func (s *Session) SearchAllUIDs(folder string) ([]uint32, error) {
	var uids []uint32
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		found, err := s.client.UidSearch(imap.NewSearchCriteria())
		if err != nil {
			return fmt.Errorf("UID search in %q failed: %w", folder, err)
		}
		sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
		uids = found
		return nil
	})
	if err != nil {
		return nil, s.fail(err)
	}
	return uids, nil
}

// FetchHeadersByUID fetches headers for specific UIDs, newest first.
func (s *Session) FetchHeadersByUID(folder string, uids []uint32) ([]*EmailHeader, uint32, error) {
	var emails []*EmailHeader
	var total uint32
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		total = status.Messages
		if len(uids) == 0 {
			return nil
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uids...)

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, headerFetchItems, messages)
		}()
		for msg := range messages {
			header, err := headerFromMessage(msg)
			if err != nil {
				s.log.Printf("skipping message uid=%d: %v", msg.Uid, err)
				continue
			}
			emails = append(emails, header)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("UID fetch in %q failed: %w", folder, err)
		}
		sort.Slice(emails, func(i, j int) bool { return emails[i].UID > emails[j].UID })
		return nil
	})
	if err != nil {
		return nil, 0, s.fail(err)
	}
	return emails, total, nil
}

// capUIDs keeps at most limit entries from the end of an ascending UID list,
// i.e. the most recent matches.
func capUIDs(uids []uint32, limit int) []uint32 {
	if limit <= 0 || len(uids) <= limit {
		return uids
	}
	return uids[len(uids)-limit:]
}

// Search runs a server-side search combining all set criteria with a logical
// AND and fetches headers for the most recent matches, capped to limit
// before the detail fetch. The returned total is the uncapped match count.
func (s *Session) Search(folder, query string, filter SearchFilter, limit int) ([]*EmailHeader, uint32, error) {
	criteria := imap.NewSearchCriteria()
	empty := true
	if query != "" {
		criteria.Text = []string{query}
		empty = false
	}
	if filter.From != "" {
		criteria.Header.Add("From", filter.From)
		empty = false
	}
	if filter.Subject != "" {
		criteria.Header.Add("Subject", filter.Subject)
		empty = false
	}
	if !filter.Since.IsZero() {
		criteria.Since = filter.Since
		empty = false
	}
	if !filter.Before.IsZero() {
		criteria.Before = filter.Before
		empty = false
	}
	if empty {
		return []*EmailHeader{}, 0, nil
	}

	var emails []*EmailHeader
	var total uint32
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		uids, err := s.client.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("search in %q failed: %w", folder, err)
		}
		total = uint32(len(uids))
		if len(uids) == 0 {
			return nil
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

		seqset := new(imap.SeqSet)
		seqset.AddNum(capUIDs(uids, limit)...)

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, headerFetchItems, messages)
		}()
		for msg := range messages {
			header, err := headerFromMessage(msg)
			if err != nil {
				s.log.Printf("skipping search result uid=%d: %v", msg.Uid, err)
				continue
			}
			emails = append(emails, header)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("fetch of search results in %q failed: %w", folder, err)
		}

		// newest first, by internal date when the server reported one
		sort.Slice(emails, func(i, j int) bool {
			return sortDate(emails[i]).After(sortDate(emails[j]))
		})
		return nil
	})
	if err != nil {
		return nil, 0, s.fail(err)
	}
	if emails == nil {
		emails = []*EmailHeader{}
	}
	return emails, total, nil
}

func sortDate(header *EmailHeader) (date time.Time) {
	if !header.InternalDate.IsZero() {
		return header.InternalDate
	}
	return header.Date
}

// StoreFlags adds or removes flags on one message by UID.
func (s *Session) StoreFlags(folder string, uid uint32, flags []string, add bool) error {
	if len(flags) == 0 {
		return nil
	}
	var operation imap.FlagsOp = imap.RemoveFlags
	if add {
		operation = imap.AddFlags
	}
	values := make([]interface{}, len(flags))
	for i, flag := range flags {
		values[i] = normalizeFlag(flag)
	}
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		item := imap.FormatFlagsOp(operation, true)
		if err := s.client.UidStore(seqset, item, values, nil); err != nil {
			return fmt.Errorf("cannot store flags on uid=%d in %q: %w", uid, folder, err)
		}
		return nil
	})
	return s.fail(err)
}

var systemFlags = map[string]string{
	"seen":     imap.SeenFlag,
	"answered": imap.AnsweredFlag,
	"flagged":  imap.FlaggedFlag,
	"deleted":  imap.DeletedFlag,
	"draft":    imap.DraftFlag,
}

func normalizeFlag(flag string) string {
	if strings.HasPrefix(flag, "\\") {
		return flag
	}
	if system, ok := systemFlags[strings.ToLower(flag)]; ok {
		return system
	}
	return flag
}

// Append uploads a raw message to a folder, typically to keep a copy of a
// sent message. The UID is only known when the server supports UIDPLUS;
// otherwise zero is returned.
func (s *Session) Append(folder string, flags []string, date time.Time, raw []byte) (uint32, error) {
	buffer := bytes.NewBuffer(raw)
	if s.uidplus != nil {
		_, uid, err := s.uidplus.Append(folder, flags, date, buffer)
		if err != nil {
			return 0, s.fail(fmt.Errorf("cannot append message to %q on %s: %w", folder, s.cfg.Host, err))
		}
		return uid, nil
	}
	if err := s.client.Append(folder, flags, date, buffer); err != nil {
		return 0, s.fail(fmt.Errorf("cannot append message to %q on %s: %w", folder, s.cfg.Host, err))
	}
	return 0, nil
}

// Delete removes a message by UID. A permanent delete flags and expunges it;
// otherwise the message is moved to the first trash candidate folder the
// server accepts, falling back to a deleted-flag mark when none exists.
func (s *Session) Delete(folder string, uid uint32, permanent bool, trashCandidates []string) error {
	err := s.withFolder(folder, func(status *imap.MailboxStatus) error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)

		if permanent {
			item := imap.FormatFlagsOp(imap.AddFlags, true)
			if err := s.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
				return fmt.Errorf("cannot flag uid=%d deleted in %q: %w", uid, folder, err)
			}
			if s.uidplus != nil {
				// targeted expunge, leaves other flagged messages alone
				if err := s.uidplus.UidExpunge(seqset, nil); err != nil {
					return fmt.Errorf("cannot expunge uid=%d in %q: %w", uid, folder, err)
				}
				return nil
			}
			if err := s.client.Expunge(nil); err != nil {
				return fmt.Errorf("cannot expunge %q: %w", folder, err)
			}
			return nil
		}

		for _, trash := range trashCandidates {
			if err := s.client.UidMove(seqset, trash); err == nil {
				s.log.Printf("moved uid=%d to %q", uid, trash)
				return nil
			}
		}
		// no trash folder accepted the message
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("cannot flag uid=%d deleted in %q: %w", uid, folder, err)
		}
		return nil
	})
	return s.fail(err)
}
