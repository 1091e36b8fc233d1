package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/credits-system/internal/model"
	"github.com/mmeshcher/credits-system/internal/payment"
	"github.com/mmeshcher/credits-system/internal/repository"
)

// stubRepo — репозиторий в памяти с семантикой настоящего: ленивое создание
// баланса, журнал изменений и одноразовая обработка тикетов.
type stubRepo struct {
	mu            sync.Mutex
	defaultCredit decimal.Decimal
	balances      map[string]*model.Balance
	logs          []model.CreditLogEntry
	tickets       map[string]*model.TradeTicket

	getBalanceErr error
	initErr       error
}

func newStubRepo(defaultCredit decimal.Decimal) *stubRepo {
	return &stubRepo{
		defaultCredit: defaultCredit,
		balances:      make(map[string]*model.Balance),
		tickets:       make(map[string]*model.TradeTicket),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) ensureLocked(userID string) *model.Balance {
	b, ok := s.balances[userID]
	if !ok {
		b = &model.Balance{UserID: userID, Credit: s.defaultCredit}
		s.balances[userID] = b
	}
	return b
}

func (s *stubRepo) appendLogLocked(userID string, credit decimal.Decimal, detail model.LogDetail) {
	s.logs = append(s.logs, model.CreditLogEntry{
		UserID: userID,
		Credit: credit,
		Detail: detail,
	})
}

func (s *stubRepo) InitBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *s.ensureLocked(userID)
	return &b, nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if s.getBalanceErr != nil {
		return nil, s.getBalanceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, repository.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *stubRepo) ListBalances(ctx context.Context, userIDs []string) ([]model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Balance
	for _, id := range userIDs {
		if b, ok := s.balances[id]; ok {
			res = append(res, *b)
		}
	}
	return res, nil
}

func (s *stubRepo) SetBalance(ctx context.Context, userID string, credit decimal.Decimal, detail model.LogDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return repository.ErrBalanceNotFound
	}
	b.Credit = credit
	s.appendLogLocked(userID, credit, detail)
	return nil
}

func (s *stubRepo) AddBalance(ctx context.Context, userID string, delta decimal.Decimal, detail model.LogDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureLocked(userID)
	b.Credit = b.Credit.Add(delta)
	s.appendLogLocked(userID, b.Credit, detail)
	return nil
}

func (s *stubRepo) GetCreditLogByUser(ctx context.Context, userID string, offset, limit int) ([]model.CreditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.CreditLogEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].UserID == userID {
			res = append(res, s.logs[i])
		}
	}
	if offset > 0 {
		if offset >= len(res) {
			return nil, nil
		}
		res = res[offset:]
	}
	if limit > 0 && limit < len(res) {
		res = res[:limit]
	}
	return res, nil
}

func (s *stubRepo) CreateTicket(ctx context.Context, id, userID string, amount decimal.Decimal, detail map[string]any) (*model.TradeTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; ok {
		return nil, repository.ErrTicketExists
	}
	t := &model.TradeTicket{ID: id, UserID: userID, Amount: amount, Detail: detail}
	s.tickets[id] = t
	cp := *t
	return &cp, nil
}

func (s *stubRepo) GetTicket(ctx context.Context, id string) (*model.TradeTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, repository.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *stubRepo) SettleTicket(ctx context.Context, id string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return repository.ErrTicketNotFound
	}
	if t.SettledAt != nil {
		return repository.ErrTicketSettled
	}
	settled := int64(1)
	t.SettledAt = &settled
	t.Detail = detail

	b := s.ensureLocked(t.UserID)
	b.Credit = b.Credit.Add(t.Amount)
	s.appendLogLocked(t.UserID, b.Credit, model.LogDetail{Desc: "payment success"})
	return nil
}

type stubProvider struct {
	verifyOK   bool
	tradeResp  *payment.TradeResponse
	tradeCalls int
}

func (p *stubProvider) Sign(payload map[string]string) map[string]string { return payload }

func (p *stubProvider) Verify(payload map[string]string) bool { return p.verifyOK }

func (p *stubProvider) CreateTrade(ctx context.Context, payType, outTradeNo string, amount decimal.Decimal, clientIP, ua string) *payment.TradeResponse {
	p.tradeCalls++
	if p.tradeResp != nil {
		return p.tradeResp
	}
	return &payment.TradeResponse{Code: 1, TradeNo: outTradeNo}
}

type stubChats struct {
	chatID    string
	messageID string
	errMsg    string
	calls     int
}

func (c *stubChats) AnnotateMessageError(ctx context.Context, chatID, messageID, errMsg string) error {
	c.chatID, c.messageID, c.errMsg = chatID, messageID, errMsg
	c.calls++
	return nil
}

func TestInitBalance_Default(t *testing.T) {
	repo := newStubRepo(decimal.RequireFromString("5.5"))
	svc := NewService(repo, nil, nil)

	b, err := svc.InitBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("InitBalance error: %v", err)
	}
	if !b.Credit.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("credit = %s, want 5.5", b.Credit)
	}

	got, err := svc.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if !got.Credit.Equal(b.Credit) {
		t.Fatalf("credit after init = %s, want %s", got.Credit, b.Credit)
	}
}

func TestGetBalance_NotFoundIsNil(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	b, err := svc.GetBalance(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if b != nil {
		t.Fatalf("balance = %+v, want nil", b)
	}
}

func TestGetBalance_PropagatesStoreError(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	repo.getBalanceErr = errors.New("connection lost")
	svc := NewService(repo, nil, nil)

	if _, err := svc.GetBalance(context.Background(), "u1"); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestListBalances_OmitsUnknownUsers(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	if _, err := svc.InitBalance(context.Background(), "u1"); err != nil {
		t.Fatalf("InitBalance error: %v", err)
	}
	if _, err := svc.InitBalance(context.Background(), "u2"); err != nil {
		t.Fatalf("InitBalance error: %v", err)
	}

	res, err := svc.ListBalances(context.Background(), []string{"u1", "u2", "unknown"})
	if err != nil {
		t.Fatalf("ListBalances error: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len(res) = %d, want 2", len(res))
	}
}

func TestAddBalance_ConcurrentNoLostUpdates(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	const n = 50
	one := decimal.RequireFromString("1")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddBalance(context.Background(), "u1", one, model.LogDetail{Desc: "usage"}); err != nil {
				t.Errorf("AddBalance error: %v", err)
			}
		}()
	}
	wg.Wait()

	b, err := svc.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if !b.Credit.Equal(decimal.NewFromInt(n)) {
		t.Fatalf("credit = %s, want %d", b.Credit, n)
	}
}

func TestSetBalance_LogSnapshot(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	x := decimal.RequireFromString("42.000000000001")
	b, err := svc.SetBalance(context.Background(), "u1", x, model.LogDetail{Desc: "admin set"})
	if err != nil {
		t.Fatalf("SetBalance error: %v", err)
	}
	if !b.Credit.Equal(x) {
		t.Fatalf("credit = %s, want %s", b.Credit, x)
	}

	entries, err := svc.GetCreditLog(context.Background(), "u1", 0, 0)
	if err != nil {
		t.Fatalf("GetCreditLog error: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no log entries after SetBalance")
	}
	if !entries[0].Credit.Equal(x) {
		t.Fatalf("newest log snapshot = %s, want %s", entries[0].Credit, x)
	}
}

func TestGetCreditLog_Pagination(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	one := decimal.RequireFromString("1")
	for i := 0; i < 5; i++ {
		if _, err := svc.AddBalance(context.Background(), "u1", one, model.LogDetail{}); err != nil {
			t.Fatalf("AddBalance error: %v", err)
		}
	}

	entries, err := svc.GetCreditLog(context.Background(), "u1", 1, 2)
	if err != nil {
		t.Fatalf("GetCreditLog error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// Новые первыми: после пяти единичных пополнений смещение 1 начинается с 4.
	if !entries[0].Credit.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("entries[0].Credit = %s, want 4", entries[0].Credit)
	}
}

func TestCheckBalance_ZeroDenied(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	err := svc.CheckBalance(context.Background(), "u1", "credit is not enough", nil)
	if !errors.Is(err, ErrNoCredit) {
		t.Fatalf("err = %v, want ErrNoCredit", err)
	}
}

func TestCheckBalance_TinyPositivePasses(t *testing.T) {
	repo := newStubRepo(decimal.RequireFromString("0.000000000001"))
	svc := NewService(repo, nil, nil)

	if err := svc.CheckBalance(context.Background(), "u1", "credit is not enough", nil); err != nil {
		t.Fatalf("CheckBalance error: %v", err)
	}
}

func TestCheckBalance_AnnotatesChat(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	chats := &stubChats{}
	svc := NewService(repo, nil, chats)

	meta := map[string]any{"chat_id": "c1", "message_id": "m1"}
	err := svc.CheckBalance(context.Background(), "u1", "credit is not enough", meta)
	if !errors.Is(err, ErrNoCredit) {
		t.Fatalf("err = %v, want ErrNoCredit", err)
	}
	if chats.calls != 1 || chats.chatID != "c1" || chats.messageID != "m1" {
		t.Fatalf("unexpected annotation: %+v", chats)
	}
	if chats.errMsg != "credit is not enough" {
		t.Fatalf("annotation message = %q", chats.errMsg)
	}
}

func TestCheckBalance_NoChatRefNoAnnotation(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	chats := &stubChats{}
	svc := NewService(repo, nil, chats)

	err := svc.CheckBalance(context.Background(), "u1", "credit is not enough", map[string]any{"chat_id": "c1"})
	if !errors.Is(err, ErrNoCredit) {
		t.Fatalf("err = %v, want ErrNoCredit", err)
	}
	if chats.calls != 0 {
		t.Fatalf("annotation must not be called without message reference")
	}
}

func TestCreateTrade_TicketBeforeProvider(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	provider := &stubProvider{}
	svc := NewService(repo, provider, nil)

	resp, err := svc.CreateTrade(context.Background(), "u1", "alipay", decimal.RequireFromString("10"), "1.2.3.4", "Mozilla iPhone")
	if err != nil {
		t.Fatalf("CreateTrade error: %v", err)
	}
	if resp.Code != 1 {
		t.Fatalf("code = %d, want 1", resp.Code)
	}
	if provider.tradeCalls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.tradeCalls)
	}

	ticket, err := repo.GetTicket(context.Background(), resp.TradeNo)
	if err != nil {
		t.Fatalf("ticket not created before provider call: %v", err)
	}
	if ticket.UserID != "u1" || !ticket.Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
}

func TestCreateTrade_RejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(newStubRepo(decimal.Zero), &stubProvider{}, nil)

	if _, err := svc.CreateTrade(context.Background(), "u1", "alipay", decimal.Zero, "1.2.3.4", ""); err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
}

func TestSettleTicket_Example(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, &stubProvider{}, nil)

	if _, err := repo.CreateTicket(context.Background(), "t1", "u1", decimal.RequireFromString("10.00"), map[string]any{}); err != nil {
		t.Fatalf("CreateTicket error: %v", err)
	}

	if err := svc.SettleTicket(context.Background(), "t1", map[string]any{"status": "success"}); err != nil {
		t.Fatalf("SettleTicket error: %v", err)
	}

	b, err := svc.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if !b.Credit.Equal(decimal.RequireFromString("10.000000000000")) {
		t.Fatalf("credit = %s, want 10.000000000000", b.Credit)
	}

	entries, err := svc.GetCreditLog(context.Background(), "u1", 0, 0)
	if err != nil {
		t.Fatalf("GetCreditLog error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Detail.Desc != "payment success" {
		t.Fatalf("desc = %q, want %q", entries[0].Detail.Desc, "payment success")
	}
	if !entries[0].Credit.Equal(decimal.RequireFromString("10.000000000000")) {
		t.Fatalf("snapshot = %s, want 10.000000000000", entries[0].Credit)
	}
}

func TestSettleTicket_NotFound(t *testing.T) {
	svc := NewService(newStubRepo(decimal.Zero), nil, nil)

	err := svc.SettleTicket(context.Background(), "absent", nil)
	if !errors.Is(err, repository.ErrTicketNotFound) {
		t.Fatalf("err = %v, want ErrTicketNotFound", err)
	}
}

func TestSettleTicket_SecondCallDoesNotDoubleCredit(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, nil, nil)

	if _, err := repo.CreateTicket(context.Background(), "t1", "u1", decimal.RequireFromString("10"), nil); err != nil {
		t.Fatalf("CreateTicket error: %v", err)
	}

	if err := svc.SettleTicket(context.Background(), "t1", nil); err != nil {
		t.Fatalf("first SettleTicket error: %v", err)
	}

	err := svc.SettleTicket(context.Background(), "t1", nil)
	if !errors.Is(err, repository.ErrTicketSettled) {
		t.Fatalf("second settle err = %v, want ErrTicketSettled", err)
	}

	b, _ := svc.GetBalance(context.Background(), "u1")
	if !b.Credit.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("credit = %s, want 10 (credited exactly once)", b.Credit)
	}
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	svc := NewService(newStubRepo(decimal.Zero), &stubProvider{verifyOK: false}, nil)

	err := svc.HandleCallback(context.Background(), map[string]string{"out_trade_no": "t1"})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestHandleCallback_IgnoresNonSuccessStatus(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, &stubProvider{verifyOK: true}, nil)

	if _, err := repo.CreateTicket(context.Background(), "t1", "u1", decimal.RequireFromString("10"), nil); err != nil {
		t.Fatalf("CreateTicket error: %v", err)
	}

	payload := map[string]string{"out_trade_no": "t1", "trade_status": "WAIT_BUYER_PAY"}
	if err := svc.HandleCallback(context.Background(), payload); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	ticket, _ := repo.GetTicket(context.Background(), "t1")
	if ticket.Settled() {
		t.Fatalf("ticket settled on non-success status")
	}
}

func TestHandleCallback_DuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := newStubRepo(decimal.Zero)
	svc := NewService(repo, &stubProvider{verifyOK: true}, nil)

	if _, err := repo.CreateTicket(context.Background(), "t1", "u1", decimal.RequireFromString("10"), nil); err != nil {
		t.Fatalf("CreateTicket error: %v", err)
	}

	payload := map[string]string{"out_trade_no": "t1", "trade_status": "TRADE_SUCCESS"}

	if err := svc.HandleCallback(context.Background(), payload); err != nil {
		t.Fatalf("first callback error: %v", err)
	}
	if err := svc.HandleCallback(context.Background(), payload); err != nil {
		t.Fatalf("duplicate callback must be a no-op, got: %v", err)
	}

	b, _ := svc.GetBalance(context.Background(), "u1")
	if !b.Credit.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("credit = %s, want 10 (credited exactly once)", b.Credit)
	}
}
