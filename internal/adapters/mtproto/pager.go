package mtproto

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// botAPIChannelPrefix — смещение Bot API для идентификаторов каналов и
// супергрупп: -100<channel_id>.
const botAPIChannelPrefix = int64(1000000000000)

// Pager листает историю чатов через MTProto (messages.getHistory).
// Bot API не отдаёт историю, поэтому движок ходит за ней напрямую.
type Pager struct {
	client *telegram.Client
	token  string
	log    zerolog.Logger
}

var _ domain.HistoryPager = (*Pager)(nil)

// NewPager создаёт MTProto клиент с файловой сессией.
func NewPager(apiID int, apiHash, botToken, sessionFile string, logger zerolog.Logger) *Pager {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionFile},
	})
	return &Pager{client: client, token: botToken, log: logger}
}

// OlderThan возвращает страницу сообщений старше cutoff.
// Первая страница (beforeID == 0) начинается от границы cutoff через
// offset_date, дальше листание идёт по наименьшему виденному message_id.
// Соединение живёт в пределах одного вызова.
func (p *Pager) OlderThan(ctx context.Context, chat domain.ChatRecord, cutoff time.Time, beforeID int64, limit int) ([]domain.MessageRef, error) {
	peer, err := inputPeer(chat)
	if err != nil {
		return nil, domain.NewClassified(domain.ClassPermission, err)
	}

	var refs []domain.MessageRef
	runErr := p.client.Run(ctx, func(ctx context.Context) error {
		status, err := p.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := p.client.Auth().Bot(ctx, p.token); err != nil {
				return fmt.Errorf("bot auth: %w", err)
			}
		}

		req := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit}
		if beforeID > 0 {
			req.OffsetID = int(beforeID)
		} else {
			req.OffsetDate = int(cutoff.Unix())
		}

		start := time.Now()
		history, err := p.client.API().MessagesGetHistory(ctx, req)
		metrics.ObserveNetworkRequest("mtproto", "get_history", "telegram", start, err)
		if err != nil {
			return err
		}
		refs = mapHistory(chat, history, cutoff)
		return nil
	})
	if runErr != nil {
		return nil, classifyMTProtoError(runErr)
	}
	return refs, nil
}

// inputPeer строит MTProto peer из записи чата.
func inputPeer(chat domain.ChatRecord) (tg.InputPeerClass, error) {
	switch chat.Kind {
	case domain.ChatKindPrivate:
		return &tg.InputPeerUser{UserID: chat.ChatID, AccessHash: chat.AccessHash}, nil
	case domain.ChatKindGroup:
		if chat.ChatID <= -botAPIChannelPrefix {
			// Супергруппа: Bot API отдаёт её с каналообразным ID.
			return &tg.InputPeerChannel{ChannelID: mtprotoChannelID(chat.ChatID), AccessHash: chat.AccessHash}, nil
		}
		return &tg.InputPeerChat{ChatID: -chat.ChatID}, nil
	case domain.ChatKindChannel:
		return &tg.InputPeerChannel{ChannelID: mtprotoChannelID(chat.ChatID), AccessHash: chat.AccessHash}, nil
	}
	return nil, fmt.Errorf("неизвестный тип чата %q", chat.Kind)
}

// mtprotoChannelID переводит Bot API идентификатор канала (-100…) во
// внутренний channel_id MTProto.
func mtprotoChannelID(botAPIID int64) int64 {
	return -botAPIID - botAPIChannelPrefix
}

// botAPIChannelID переводит внутренний channel_id в форму Bot API.
func botAPIChannelID(channelID int64) int64 {
	return -(channelID + botAPIChannelPrefix)
}

// mapHistory переводит ответ getHistory в доменные ссылки на сообщения,
// отбрасывая служебные сообщения и всё новее cutoff.
func mapHistory(chat domain.ChatRecord, history tg.MessagesMessagesClass, cutoff time.Time) []domain.MessageRef {
	var messages []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesMessages:
		messages = h.Messages
	case *tg.MessagesMessagesSlice:
		messages = h.Messages
	case *tg.MessagesChannelMessages:
		messages = h.Messages
	}

	refs := make([]domain.MessageRef, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		ref := mapMessage(chat, msg)
		if !ref.SentAt.Before(cutoff) {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// mapMessage строит MessageRef с отправителем в нотации Bot API.
func mapMessage(chat domain.ChatRecord, msg *tg.Message) domain.MessageRef {
	ref := domain.MessageRef{
		ChatID:    chat.ChatID,
		MessageID: int64(msg.ID),
		FromBot:   msg.Out,
		SentAt:    time.Unix(int64(msg.Date), 0).UTC(),
	}
	if from, ok := msg.GetFromID(); ok {
		switch peer := from.(type) {
		case *tg.PeerUser:
			ref.SenderID = peer.UserID
		case *tg.PeerChannel:
			ref.SenderID = botAPIChannelID(peer.ChannelID)
		case *tg.PeerChat:
			ref.SenderID = -peer.ChatID
		}
		return ref
	}
	// Пост без подписи: отправителем считается сам канал.
	ref.SenderID = chat.ChatID
	return ref
}

// classifyMTProtoError переводит ошибки MTProto в доменные классы.
func classifyMTProtoError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return domain.NewRateLimited(err, wait)
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "PEER_ID_INVALID", "CHANNEL_INVALID", "BOT_METHOD_INVALID") {
		return domain.NewClassified(domain.ClassPermission, err)
	}
	return domain.NewClassified(domain.ClassTransient, err)
}
