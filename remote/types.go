package remote

import "time"

// Folder is one node of the account folder tree.
type Folder struct {
	Name       string
	Path       string
	SpecialUse string
	Flags      []string
	Delimiter  string
	NoSelect   bool
	Children   []*Folder
}

// Address is a decoded mailbox address.
type Address struct {
	Name    string
	Address string
}

// EmailHeader carries the envelope-level view of one message, as shown in a
// message list. DisplayIndex is the UI-facing ordering where 0 is the newest
// message, the inverse of the protocol's ascending sequence numbering.
type EmailHeader struct {
	UID            uint32
	SeqNum         uint32
	DisplayIndex   uint32
	MessageID      string
	Subject        string
	From           Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	Date           time.Time
	InternalDate   time.Time
	Flags          []string
	Size           uint32
	HasAttachments bool
}

// Attachment is one decoded attachment of a fully fetched message.
// Content is base64-encoded.
type Attachment struct {
	Filename    string
	ContentType string
	Disposition string
	ContentID   string
	Size        int
	Content     string
}

// FullEmail is the complete content of one message. RawSource is the
// base64-encoded original message.
type FullEmail struct {
	UID            uint32
	MessageID      string
	Subject        string
	From           Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	ReplyTo        []Address
	InReplyTo      string
	Date           time.Time
	InternalDate   time.Time
	Flags          []string
	Size           uint32
	Text           string
	HTML           string
	Attachments    []Attachment
	RawSource      string
	HasAttachments bool
}

// RangeResult is the outcome of a display-index range fetch.
type RangeResult struct {
	Emails     []*EmailHeader
	Total      uint32
	StartIndex uint32
	EndIndex   uint32
}

// FolderStatus is the lightweight mailbox state used for delta sync.
type FolderStatus struct {
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// SearchFilter narrows a search. Zero values are ignored; all set criteria
// are combined with a logical AND.
type SearchFilter struct {
	From    string
	Subject string
	Since   time.Time
	Before  time.Time
}
