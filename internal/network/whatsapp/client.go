// ABOUTME: whatsmeow-backed network driver handling pairing, resume, sends and inbound traffic
// ABOUTME: Each Connect gets its own whatsmeow client whose events go only to that call's handler

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	// Registers the "sqlite" database/sql driver for the device container.
	_ "modernc.org/sqlite"

	"github.com/2389/concierge-gateway/internal/network"
)

// Config configures the driver.
type Config struct {
	// DeviceDB is the path of whatsmeow's device container.
	DeviceDB string

	// DeviceName is shown in the phone's list of linked devices.
	DeviceName string

	// HistoryLimit bounds the messages kept per chat.
	HistoryLimit int

	Logger *slog.Logger
}

// Driver implements network.Driver.
type Driver struct {
	container *sqlstore.Container
	history   *history
	logger    *slog.Logger
	waLogger  waLog.Logger

	mu   sync.Mutex
	conn *connection
}

var _ network.Driver = (*Driver)(nil)

// New opens the device container.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.DeviceDB == "" {
		return nil, errors.New("whatsapp: device_db is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeviceName != "" {
		store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})
	}

	logger := cfg.Logger.With("component", "whatsapp")
	waLogger := newLogger(cfg.Logger.With("component", "whatsmeow"))

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DeviceDB)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}

	return &Driver{
		container: container,
		history:   newHistory(cfg.HistoryLimit),
		logger:    logger,
		waLogger:  waLogger,
	}, nil
}

// connection is one whatsmeow client and the handler its events go to.
type connection struct {
	d         *Driver
	client    *whatsmeow.Client
	h         network.Handler
	handlerID uint32
	cancelQR  context.CancelFunc
	pairing   bool
}

// Connect implements network.Driver.
func (d *Driver) Connect(ctx context.Context, credential []byte, h network.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()

	device, err := d.device(ctx, credential)
	if err != nil {
		return err
	}

	client := whatsmeow.NewClient(device, d.waLogger.Sub("client"))
	client.EnableAutoReconnect = false
	conn := &connection{d: d, client: client, h: h, cancelQR: func() {}, pairing: credential == nil}
	conn.handlerID = client.AddEventHandler(conn.handle)

	if conn.pairing {
		// The QR channel lives as long as the pairing attempt, not the Connect call.
		qrCtx, cancel := context.WithCancel(context.Background())
		conn.cancelQR = cancel
		qr, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			client.RemoveEventHandler(conn.handlerID)
			return fmt.Errorf("requesting pairing codes: %w", err)
		}
		go conn.watchQR(qr)
	}

	if err := client.Connect(); err != nil {
		conn.cancelQR()
		client.RemoveEventHandler(conn.handlerID)
		return fmt.Errorf("%w: %v", network.ErrNotConnected, err)
	}
	d.conn = conn
	d.logger.Info("connecting", "pairing", conn.pairing)
	return nil
}

// device returns a fresh device for pairing, or the stored one for credential.
func (d *Driver) device(ctx context.Context, credential []byte) (*store.Device, error) {
	if credential == nil {
		return d.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(string(credential))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable device id", network.ErrSessionInvalid)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: device %s not in store", network.ErrSessionInvalid, jid)
	}
	return device, nil
}

func (c *connection) watchQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.h(network.PairingCodeEvent{Code: item.Code, ExpiresIn: item.Timeout})
		case whatsmeow.QRChannelSuccess.Event:
			c.d.logger.Info("pairing code accepted")
		case whatsmeow.QRChannelTimeout.Event:
			c.h(network.DisconnectedEvent{Reason: network.ReasonPairingExpired})
		default:
			c.d.logger.Warn("pairing failed", "event", item.Event, "error", item.Error)
			c.h(network.DisconnectedEvent{Reason: network.ReasonNetwork})
		}
	}
}

// handle is the whatsmeow event handler. It runs on whatsmeow's goroutine and
// only converts and forwards.
func (c *connection) handle(raw any) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.d.history.reset()
		c.h(network.PairedEvent{
			AccountID:  evt.ID.ToNonAD().String(),
			Credential: []byte(evt.ID.String()),
		})

	case *events.Connected:
		account := ""
		if id := c.client.Store.ID; id != nil {
			account = id.ToNonAD().String()
		}
		go c.loadGroups()
		c.h(network.ReadyEvent{AccountID: account})

	case *events.Message:
		msg := convertMessage(evt)
		name := ""
		if !evt.Info.IsGroup && !evt.Info.IsFromMe {
			name = evt.Info.PushName
		}
		c.d.history.add(msg, name, evt.Info.IsGroup)
		c.h(network.MessageEvent{Message: msg})

	case *events.Receipt:
		level, ok := ackLevel(evt.Type)
		if !ok || evt.IsFromMe {
			return
		}
		chatID := chatKey(evt.Chat)
		c.d.history.ack(chatID, evt.MessageIDs, level)
		c.h(network.AckEvent{ChatID: chatID, MessageIDs: evt.MessageIDs, Ack: level})

	case *events.HistorySync:
		c.seedHistory(evt)

	case *events.LoggedOut:
		reason := network.ReasonRemoteLogout
		if evt.OnConnect {
			reason = network.ReasonSessionInvalid
		}
		c.d.logger.Warn("logged out by network", "on_connect", evt.OnConnect, "reason", evt.Reason.String())
		c.h(network.DisconnectedEvent{Reason: reason})

	case *events.StreamReplaced:
		c.h(network.DisconnectedEvent{Reason: network.ReasonReplaced})

	case *events.ConnectFailure:
		c.d.logger.Warn("connect failure", "reason", evt.Reason.String(), "message", evt.Message)
		c.h(network.DisconnectedEvent{Reason: network.ReasonNetwork})

	case *events.TemporaryBan:
		c.d.logger.Error("account temporarily banned", "ban", evt.String())
		c.h(network.DisconnectedEvent{Reason: network.ReasonNetwork})

	case *events.ClientOutdated:
		c.d.logger.Error("client version rejected as outdated")
		c.h(network.DisconnectedEvent{Reason: network.ReasonNetwork})

	case *events.Disconnected:
		c.h(network.DisconnectedEvent{Reason: network.ReasonNetwork})
	}
}

// seedHistory loads history-sync conversations into the in-memory log.
// Seeded messages are not forwarded as live events.
func (c *connection) seedHistory(evt *events.HistorySync) {
	seeded := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		name := conv.GetName()
		if name == "" {
			name = conv.GetDisplayName()
		}
		isGroup := chatJID.Server == types.GroupServer
		c.d.history.touch(chatKey(chatJID), name, isGroup)

		for _, hm := range conv.GetMessages() {
			parsed, err := c.client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			if c.d.history.add(convertMessage(parsed), name, isGroup) {
				seeded++
			}
		}
	}
	c.d.logger.Debug("history sync applied", "type", evt.Data.GetSyncType().String(), "messages", seeded)
}

// loadGroups registers joined groups so they can be listed before they see traffic.
func (c *connection) loadGroups() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		c.d.logger.Warn("loading joined groups failed", "error", err)
		return
	}
	for _, g := range groups {
		c.d.history.touch(chatKey(g.JID), g.Name, true)
	}
}

// current returns the live client or ErrNotConnected.
func (d *Driver) current() (*whatsmeow.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || !d.conn.client.IsConnected() {
		return nil, network.ErrNotConnected
	}
	return d.conn.client, nil
}

// Chats implements network.Driver.
func (d *Driver) Chats(ctx context.Context) ([]network.Chat, error) {
	client, err := d.current()
	if err != nil {
		return nil, err
	}
	chats := d.history.list()
	for i := range chats {
		if chats[i].Name != "" || chats[i].IsGroup {
			continue
		}
		jid, err := types.ParseJID(chats[i].ID)
		if err != nil {
			continue
		}
		contact, err := client.Store.Contacts.GetContact(ctx, jid)
		if err != nil || !contact.Found {
			continue
		}
		chats[i].Name = contactName(contact)
	}
	return chats, nil
}

func contactName(c types.ContactInfo) string {
	switch {
	case c.FullName != "":
		return c.FullName
	case c.FirstName != "":
		return c.FirstName
	case c.BusinessName != "":
		return c.BusinessName
	default:
		return c.PushName
	}
}

// Messages implements network.Driver.
func (d *Driver) Messages(ctx context.Context, chatID string, limit int) ([]network.Message, error) {
	if _, err := d.current(); err != nil {
		return nil, err
	}
	key, err := normalizeChatID(chatID)
	if err != nil {
		return nil, err
	}
	msgs, ok := d.history.messages(key, limit)
	if !ok {
		return nil, network.ErrChatNotFound
	}
	return msgs, nil
}

// Send implements network.Driver.
func (d *Driver) Send(ctx context.Context, chatID, body string) (network.SendResult, error) {
	client, err := d.current()
	if err != nil {
		return network.SendResult{}, err
	}
	jid, err := parseChatID(chatID)
	if err != nil {
		return network.SendResult{}, err
	}
	key := chatKey(jid)
	if jid.Server == types.GroupServer && !d.history.known(key) {
		return network.SendResult{}, network.ErrChatNotFound
	}

	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		if ctx.Err() != nil {
			return network.SendResult{}, ctx.Err()
		}
		return network.SendResult{}, fmt.Errorf("%w: %v", network.ErrDeliveryFailed, err)
	}

	d.history.add(network.Message{
		ID:        resp.ID,
		ChatID:    key,
		Direction: network.DirectionOutbound,
		Body:      body,
		Timestamp: resp.Timestamp,
		Ack:       network.AckServer,
		Type:      "text",
	}, "", jid.Server == types.GroupServer)
	return network.SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// NormalizeChatID implements network.ChatIDNormalizer.
func (d *Driver) NormalizeChatID(chatID string) (string, error) {
	return normalizeChatID(chatID)
}

// Logout implements network.Driver. whatsmeow deletes the device from the
// container once the network confirms.
func (d *Driver) Logout(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil || conn.client.Store.ID == nil {
		return nil
	}
	defer d.history.reset()
	if err := conn.client.Logout(ctx); err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return nil
		}
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// Close implements network.Driver.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *Driver) closeLocked() {
	if d.conn == nil {
		return
	}
	d.conn.client.RemoveEventHandler(d.conn.handlerID)
	d.conn.cancelQR()
	d.conn.client.Disconnect()
	d.conn = nil
}

// Shutdown closes the connection and the device container.
func (d *Driver) Shutdown() error {
	d.Close()
	return d.container.Close()
}
