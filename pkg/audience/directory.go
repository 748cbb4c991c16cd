package audience

import (
	"context"
	"errors"
	"io"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// DefaultPageSize is how many recipients a cursor loads per query.
const DefaultPageSize = 500

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("audience: cursor closed")

// Directory is the GORM-backed recipient directory. It implements
// core.Resolver and core.Mutator.
type Directory struct {
	db       *gorm.DB
	pageSize int
}

var (
	_ core.Resolver = (*Directory)(nil)
	_ core.Mutator  = (*Directory)(nil)
)

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithPageSize sets how many rows each cursor query loads.
func WithPageSize(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// NewDirectory creates a directory over db.
func NewDirectory(db *gorm.DB, opts ...DirectoryOption) *Directory {
	d := &Directory{db: db, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Migrate creates the directory tables.
func (d *Directory) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&Recipient{}, &Channel{}, &Membership{})
}

// Count returns the current audience size of segment.
func (d *Directory) Count(ctx context.Context, segment string) (int64, error) {
	seg, err := Parse(segment)
	if err != nil {
		return 0, err
	}
	q, err := d.scope(ctx, seg)
	if err != nil {
		return 0, err
	}
	var n int64
	err = q.Count(&n).Error
	return n, err
}

// Open returns a forward-only cursor over recipients of segment with a key
// greater than after.
func (d *Directory) Open(ctx context.Context, segment string, after int64) (core.Cursor, error) {
	seg, err := Parse(segment)
	if err != nil {
		return nil, err
	}
	return &cursor{dir: d, seg: seg, after: after, pageSize: d.pageSize}, nil
}

// MarkUndeliverable flags r as blocked so future audiences exclude it.
func (d *Directory) MarkUndeliverable(ctx context.Context, r core.Recipient) error {
	return d.db.WithContext(ctx).
		Model(&Recipient{}).
		Where("id = ?", r.Key).
		Updates(map[string]any{
			"blocked":    true,
			"blocked_at": time.Now(),
		}).Error
}

// AddRecipient registers a chat in the directory, or returns the existing
// row when the chat is already known.
func (d *Directory) AddRecipient(ctx context.Context, chatID, sourceChannelID int64) (*Recipient, error) {
	var r Recipient
	err := d.db.WithContext(ctx).
		Where(Recipient{ChatID: chatID}).
		Attrs(Recipient{SourceChannelID: sourceChannelID}).
		FirstOrCreate(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetChannel creates or updates a mandatory channel.
func (d *Directory) SetChannel(ctx context.Context, channelID int64, title string, active bool) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "active"}),
		}).
		Create(&Channel{ChannelID: channelID, Title: title, Active: active}).Error
}

// Join records that recipientID is a member of channelID.
func (d *Directory) Join(ctx context.Context, recipientID, channelID int64) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Membership{RecipientID: recipientID, ChannelID: channelID}).Error
}

// scope builds the base query for a segment. Blocked recipients are never
// part of an audience.
func (d *Directory) scope(ctx context.Context, seg Segment) (*gorm.DB, error) {
	db := d.db.WithContext(ctx)
	q := db.Model(&Recipient{}).Where("blocked = ?", false)

	switch seg.Kind {
	case SegmentAll:
		return q, nil
	case SegmentSource:
		return q.Where("source_channel_id = ?", seg.SourceChannelID), nil
	}

	var active []int64
	if err := db.Model(&Channel{}).Where("active = ?", true).Pluck("channel_id", &active).Error; err != nil {
		return nil, err
	}

	if len(active) == 0 {
		if seg.Kind == SegmentSubscribed {
			return q, nil
		}
		return q.Where("1 = 0"), nil
	}

	joinedAll := db.Model(&Membership{}).
		Select("recipient_id").
		Where("channel_id IN ?", active).
		Group("recipient_id").
		Having("COUNT(DISTINCT channel_id) = ?", len(active))

	if seg.Kind == SegmentSubscribed {
		return q.Where("id IN (?)", joinedAll), nil
	}
	return q.Where("id NOT IN (?)", joinedAll), nil
}

// cursor pages through a segment with keyset pagination on the recipient ID.
type cursor struct {
	dir      *Directory
	seg      Segment
	after    int64
	pageSize int

	page   []core.Recipient
	pos    int
	done   bool
	closed bool
}

func (c *cursor) Next(ctx context.Context) (core.Recipient, error) {
	if c.closed {
		return core.Recipient{}, ErrCursorClosed
	}
	if c.pos >= len(c.page) {
		if c.done {
			return core.Recipient{}, io.EOF
		}
		if err := c.load(ctx); err != nil {
			return core.Recipient{}, err
		}
		if len(c.page) == 0 {
			return core.Recipient{}, io.EOF
		}
	}

	r := c.page[c.pos]
	c.pos++
	c.after = r.Key
	return r, nil
}

func (c *cursor) load(ctx context.Context) error {
	q, err := c.dir.scope(ctx, c.seg)
	if err != nil {
		return err
	}

	var rows []struct {
		ID     int64
		ChatID int64
	}
	err = q.Select("id, chat_id").
		Where("id > ?", c.after).
		Order("id ASC").
		Limit(c.pageSize).
		Scan(&rows).Error
	if err != nil {
		return err
	}

	c.page = c.page[:0]
	for _, row := range rows {
		c.page = append(c.page, core.Recipient{Key: row.ID, ChatID: row.ChatID})
	}
	c.pos = 0
	c.done = len(rows) < c.pageSize
	return nil
}

func (c *cursor) Close() error {
	c.closed = true
	c.page = nil
	return nil
}
