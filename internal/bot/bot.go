// Package bot обрабатывает команды Telegram-бота сообщества.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/models"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	"github.com/magabrotheeeer/subscription-gate/internal/services/subscription"
)

// Subscriptions операции сервиса подписок, доступные пользователю бота.
type Subscriptions interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
	RegisterUser(ctx context.Context, telegramID int64, username, email string) (*models.User, error)
	Account(ctx context.Context, telegramID int64) (*subscription.Account, error)
	Plans() []models.Plan
	StartCheckout(ctx context.Context, telegramID int64, planCode string) (*subscription.Checkout, error)
	ConfirmCheckout(ctx context.Context, gatewayPaymentID string) (*models.Subscription, error)
	ToggleAutoRenewalForUser(ctx context.Context, telegramID int64, enabled bool) (*models.Subscription, error)
}

// StateStore хранит шаг диалога с пользователем между сообщениями.
type StateStore interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Шаги диалога.
const (
	stateAwaitingEmail = "awaiting_email"
)

// chatState запись диалога в StateStore.
type chatState struct {
	Step string `json:"step"`
	// Plan тариф, который пользователь выбрал до регистрации.
	Plan string `json:"plan,omitempty"`
}

const dateLayout = "02.01.2006 15:04"

const helpText = "Команды:\n" +
	"/account: статус подписки\n" +
	"/plans: тарифы\n" +
	"/pay <тариф>: оплатить тариф\n" +
	"/check: проверить оплату\n" +
	"/autorenew_on, /autorenew_off: включить или выключить автопродление"

const errorText = "Произошла ошибка, попробуйте позже."

// Handler команды бота. Ответы отправляются через notifier.MessageSender,
// поэтому логику можно проверять без Bot API. Если sender nil, ответ
// уходит через бота, доставившего обновление.
type Handler struct {
	svc      Subscriptions
	states   StateStore
	sender   notifier.MessageSender
	log      *slog.Logger
	stateTTL time.Duration
}

// NewHandler создаёт обработчик команд.
func NewHandler(svc Subscriptions, states StateStore, sender notifier.MessageSender, log *slog.Logger, stateTTL time.Duration) *Handler {
	return &Handler{
		svc:      svc,
		states:   states,
		sender:   sender,
		log:      log,
		stateTTL: stateTTL,
	}
}

type command func(ctx context.Context, msg *tgmodels.Message) string

// Register подключает команды к боту.
func (h *Handler) Register(b *tgbot.Bot) {
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypePrefix, h.wrap("/start", h.start))
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/help", tgbot.MatchTypeExact, h.wrap("/help", h.help))
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/account", tgbot.MatchTypeExact, h.wrap("/account", h.account))
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/plans", tgbot.MatchTypeExact, h.wrap("/plans", h.plans))
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/pay", tgbot.MatchTypePrefix, h.wrap("/pay", h.pay))
	b.RegisterHandler(tgbot.HandlerTypeMessageText, "/check", tgbot.MatchTypeExact, h.wrap("/check", h.check))
	for _, cmd := range []string{"/autorenew_on", "/resume"} {
		b.RegisterHandler(tgbot.HandlerTypeMessageText, cmd, tgbot.MatchTypeExact, h.wrap(cmd, h.autoRenewal(true)))
	}
	for _, cmd := range []string{"/autorenew_off", "/stop"} {
		b.RegisterHandler(tgbot.HandlerTypeMessageText, cmd, tgbot.MatchTypeExact, h.wrap(cmd, h.autoRenewal(false)))
	}
}

// Default обрабатывает сообщения без команды: ответ на шаг диалога или подсказку.
func (h *Handler) Default(ctx context.Context, b *tgbot.Bot, update *tgmodels.Update) {
	h.wrap("text", h.text)(ctx, b, update)
}

func (h *Handler) wrap(name string, cmd command) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *tgmodels.Update) {
		msg := update.Message
		if msg == nil || msg.From == nil {
			return
		}
		h.log.Debug("bot command", slog.String("command", name), slog.Int64("telegram_id", msg.From.ID))

		reply := cmd(ctx, msg)
		if reply == "" {
			return
		}
		var sender notifier.MessageSender = b
		if h.sender != nil {
			sender = h.sender
		}
		_, err := sender.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   reply,
		})
		if err != nil {
			h.log.Warn("failed to send bot reply",
				slog.String("command", name),
				slog.Int64("chat_id", msg.Chat.ID),
				sl.Err(err))
		}
	}
}

func stateKey(chatID int64) string {
	return "bot:state:" + strconv.FormatInt(chatID, 10)
}

func (h *Handler) setState(ctx context.Context, chatID int64, st chatState) {
	if err := h.states.Set(ctx, stateKey(chatID), st, h.stateTTL); err != nil {
		h.log.Warn("failed to save chat state", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (h *Handler) clearState(ctx context.Context, chatID int64) {
	if err := h.states.Invalidate(ctx, stateKey(chatID)); err != nil {
		h.log.Warn("failed to clear chat state", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (h *Handler) fail(cmd string, msg *tgmodels.Message, err error) string {
	h.log.Error("bot command failed",
		slog.String("command", cmd),
		slog.Int64("telegram_id", msg.From.ID),
		sl.Err(err))
	return errorText
}

func (h *Handler) start(ctx context.Context, msg *tgmodels.Message) string {
	user, err := h.svc.EnsureUser(ctx, msg.From.ID, msg.From.Username)
	if err != nil {
		return h.fail("/start", msg, err)
	}
	if !user.Registered() {
		h.setState(ctx, msg.Chat.ID, chatState{Step: stateAwaitingEmail})
		return "Добро пожаловать! Для оформления подписки укажите email, на него придёт чек."
	}
	return "С возвращением!\n\n" + helpText
}

func (h *Handler) help(context.Context, *tgmodels.Message) string {
	return helpText
}

func (h *Handler) account(ctx context.Context, msg *tgmodels.Message) string {
	acc, err := h.svc.Account(ctx, msg.From.ID)
	if errors.Is(err, models.ErrNotFound) {
		return "Вы ещё не зарегистрированы, нажмите /start."
	}
	if err != nil {
		return h.fail("/account", msg, err)
	}
	return formatAccount(acc)
}

func formatAccount(acc *subscription.Account) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Email: %s\n", acc.User.Email)

	switch {
	case acc.Access.Granted() && acc.Access.Unlimited:
		b.WriteString("Доступ: открыт бессрочно\n")
	case acc.Access.Granted():
		fmt.Fprintf(&b, "Доступ: открыт до %s\n", acc.Access.Until.Format(dateLayout))
	case acc.Access.Status == models.AccessNeedsRegistration:
		b.WriteString("Доступ: нужна регистрация, нажмите /start\n")
	default:
		b.WriteString("Доступ: закрыт\n")
	}

	if sub := acc.Subscription; sub != nil {
		fmt.Fprintf(&b, "Тариф: %s, %s\n", sub.PlanCode, models.FormatRub(sub.Amount))
		if sub.AutoRenewal && sub.NextPaymentDate != nil {
			fmt.Fprintf(&b, "Автопродление: включено, следующее списание %s\n", sub.NextPaymentDate.Format(dateLayout))
		} else {
			b.WriteString("Автопродление: выключено\n")
		}
	} else {
		b.WriteString("Активной подписки нет, выбрать тариф: /plans\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) plans(context.Context, *tgmodels.Message) string {
	var b strings.Builder
	b.WriteString("Тарифы:\n")
	for _, p := range h.svc.Plans() {
		fmt.Fprintf(&b, "%s: %s за %d дн. Оплатить: /pay %s\n",
			p.Title, models.FormatRub(p.Price), int(p.Duration.Hours()/24), p.Code)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) pay(ctx context.Context, msg *tgmodels.Message) string {
	fields := strings.Fields(msg.Text)
	if len(fields) < 2 {
		return "Укажите тариф, например: /pay basic. Список тарифов: /plans"
	}
	plan := fields[1]

	checkout, err := h.svc.StartCheckout(ctx, msg.From.ID, plan)
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		if ve.Field == "email" {
			h.setState(ctx, msg.Chat.ID, chatState{Step: stateAwaitingEmail, Plan: plan})
			return "Сначала укажите email для чеков, отправьте его сообщением."
		}
		return "Не удалось начать оплату: " + ve.Reason
	}
	if err != nil {
		return h.fail("/pay", msg, err)
	}
	return fmt.Sprintf("Тариф «%s», %s.\nОплатите по ссылке: %s\nПосле оплаты нажмите /check.",
		checkout.Plan.Title, models.FormatRub(checkout.Plan.Price), checkout.PaymentURL)
}

func (h *Handler) check(ctx context.Context, msg *tgmodels.Message) string {
	acc, err := h.svc.Account(ctx, msg.From.ID)
	if errors.Is(err, models.ErrNotFound) {
		return "Вы ещё не зарегистрированы, нажмите /start."
	}
	if err != nil {
		return h.fail("/check", msg, err)
	}

	var pending *models.Payment
	for i := range acc.Payments {
		p := &acc.Payments[i]
		if p.Kind == models.PaymentCheckout && p.Status == models.PaymentPending && p.GatewayPaymentID != nil {
			pending = p
			break
		}
	}
	if pending == nil {
		return "Ожидающих оплат нет. Выбрать тариф: /plans"
	}

	sub, err := h.svc.ConfirmCheckout(ctx, *pending.GatewayPaymentID)
	switch {
	case errors.Is(err, subscription.ErrPaymentPending):
		return "Оплата ещё не поступила. Если вы уже оплатили, проверьте через минуту."
	case errors.Is(err, subscription.ErrPaymentDeclined):
		return "Оплата отклонена. Попробуйте снова: /plans"
	case err != nil:
		return h.fail("/check", msg, err)
	}
	return fmt.Sprintf("Оплата подтверждена, подписка активна до %s.", sub.EndDate.Format(dateLayout))
}

func (h *Handler) autoRenewal(enabled bool) command {
	return func(ctx context.Context, msg *tgmodels.Message) string {
		sub, err := h.svc.ToggleAutoRenewalForUser(ctx, msg.From.ID, enabled)
		var ve *models.ValidationError
		switch {
		case errors.Is(err, models.ErrNotFound):
			return "Активной подписки нет. Выбрать тариф: /plans"
		case errors.As(err, &ve):
			return "Автопродление включить нельзя: карта не сохранена. Оплатите тариф заново: /plans"
		case err != nil:
			return h.fail("autorenewal", msg, err)
		}
		if enabled {
			return fmt.Sprintf("Автопродление включено, следующее списание %s.", sub.NextPaymentDate.Format(dateLayout))
		}
		return fmt.Sprintf("Автопродление выключено. Доступ сохранится до %s.", sub.EndDate.Format(dateLayout))
	}
}

func (h *Handler) text(ctx context.Context, msg *tgmodels.Message) string {
	var st chatState
	found, err := h.states.Get(ctx, stateKey(msg.Chat.ID), &st)
	if err != nil {
		h.log.Warn("failed to read chat state", slog.Int64("chat_id", msg.Chat.ID), sl.Err(err))
	}
	if !found || st.Step != stateAwaitingEmail {
		return helpText
	}

	_, err = h.svc.RegisterUser(ctx, msg.From.ID, msg.From.Username, msg.Text)
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return "Не получилось сохранить email: " + ve.Reason + ". Отправьте другой адрес."
	}
	if err != nil {
		return h.fail("register", msg, err)
	}
	h.clearState(ctx, msg.Chat.ID)

	if st.Plan != "" {
		return "Email сохранён. Продолжить оплату: /pay " + st.Plan
	}
	return "Email сохранён.\n\n" + helpText
}
