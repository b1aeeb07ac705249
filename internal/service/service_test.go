package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/mmeshcher/witbar-system/internal/repository"
)

const (
	testMint = "WiTMint1111111111111111111111111111111111111"
	testBar  = "BarWa11et1111111111111111111111111111111111"
)

// memRepo воспроизводит семантику PostgresRepository в памяти для тестов сервиса.
type memRepo struct {
	mu         sync.Mutex
	links      map[string]int64
	balances   map[int64]int64
	signatures map[string]bool
	tickets    []model.Ticket

	applyErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		links:      make(map[string]int64),
		balances:   make(map[int64]int64),
		signatures: make(map[string]bool),
	}
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) LinkWallet(ctx context.Context, userID int64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, uid := range m.links {
		if uid == userID || addr == address {
			delete(m.links, addr)
		}
	}
	m.links[address] = userID
	return nil
}

func (m *memRepo) GetUserByAddress(ctx context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid, ok := m.links[address]
	if !ok {
		return 0, repository.ErrWalletNotLinked
	}
	return uid, nil
}

func (m *memRepo) GetAddressByUser(ctx context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, uid := range m.links {
		if uid == userID {
			return addr, nil
		}
	}
	return "", repository.ErrWalletNotLinked
}

func (m *memRepo) ApplyTransfer(ctx context.Context, ev model.TransferEvent) (*repository.TransferResult, error) {
	if m.applyErr != nil {
		return nil, m.applyErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signatures[ev.Signature] {
		return &repository.TransferResult{Applied: false}, nil
	}
	m.signatures[ev.Signature] = true

	uid, ok := m.links[ev.FromAddress]
	if !ok {
		return &repository.TransferResult{Applied: true}, nil
	}

	m.balances[uid] += ev.Amount
	return &repository.TransferResult{Applied: true, UserID: &uid, NewBalance: m.balances[uid]}, nil
}

func (m *memRepo) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var spent int64
	for _, t := range m.tickets {
		if t.UserID == userID {
			spent += t.Price
		}
	}
	return m.balances[userID], spent, nil
}

func (m *memRepo) CreateTicket(ctx context.Context, ticket model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[ticket.UserID] < ticket.Price {
		return repository.ErrInsufficientBalance
	}
	m.balances[ticket.UserID] -= ticket.Price
	m.tickets = append(m.tickets, ticket)
	return nil
}

func (m *memRepo) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Ticket
	for _, t := range m.tickets {
		if t.UserID == userID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (m *memRepo) RedeemTicket(ctx context.Context, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.tickets {
		if m.tickets[i].ID == ticketID {
			if m.tickets[i].Redeemed {
				return repository.ErrTicketRedeemed
			}
			m.tickets[i].Redeemed = true
			return nil
		}
	}
	return repository.ErrTicketNotFound
}

type recordingDispatcher struct {
	mu      sync.Mutex
	credits []CreditNotification
}

func (d *recordingDispatcher) DispatchCredit(ctx context.Context, n CreditNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credits = append(d.credits, n)
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, nil, zap.NewNop(), testMint, testBar)
}

func transferFrom(sig, from string, amount int64) model.TransferEvent {
	return model.TransferEvent{
		Signature:   sig,
		TokenID:     testMint,
		FromAddress: from,
		ToAddress:   testBar,
		Amount:      amount,
	}
}

func TestIngestTransfers_CreditsExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	if err := svc.LinkWallet(context.Background(), 1, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	ev := transferFrom("s1", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 2000)

	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev, ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 20 {
		t.Fatalf("Current = %v, want 20", balance.Current)
	}
}

func TestIngestTransfers_FiltersForeignRecords(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	if err := svc.LinkWallet(context.Background(), 1, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	wrongMint := transferFrom("s1", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1000)
	wrongMint.TokenID = "OtherMint111111111111111111111111111111111"

	wrongDest := transferFrom("s2", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1000)
	wrongDest.ToAddress = "SomeOtherWa11et111111111111111111111111111"

	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{wrongMint, wrongDest}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 0 {
		t.Fatalf("Current = %v, want 0", balance.Current)
	}

	// Отброшенные по фильтру записи не считаются обработанными: та же подпись
	// с корректными полями должна примениться.
	ok := transferFrom("s1", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1000)
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ok}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, _ = svc.GetBalance(context.Background(), 1)
	if balance.Current != 10 {
		t.Fatalf("Current = %v, want 10", balance.Current)
	}
}

func TestIngestTransfers_UnknownPayerConsumed(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	ev := transferFrom("s1", "UnknownPayer111111111111111111111111111111", 2000)
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	// Привязка после факта не возвращает поглощённый перевод.
	if err := svc.LinkWallet(context.Background(), 7, "UnknownPayer111111111111111111111111111111"); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 0 {
		t.Fatalf("Current = %v, want 0", balance.Current)
	}
}

func TestIngestTransfers_MalformedRecordDoesNotAbortBatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	if err := svc.LinkWallet(context.Background(), 1, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	noSig := transferFrom("", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1000)
	negative := transferFrom("s-neg", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", -500)
	good := transferFrom("s-good", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1500)

	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{noSig, negative, good}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, _ := svc.GetBalance(context.Background(), 1)
	if balance.Current != 15 {
		t.Fatalf("Current = %v, want 15", balance.Current)
	}
}

func TestIngestTransfers_PersistenceFailureAbortsBatch(t *testing.T) {
	repo := newMemRepo()
	repo.applyErr = errors.New("connection lost")
	svc := newTestService(repo)

	ev := transferFrom("s1", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 1000)
	err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev})
	if err == nil {
		t.Fatalf("expected error when repository fails")
	}
}

func TestLinkWallet_InvalidAddress(t *testing.T) {
	svc := newTestService(newMemRepo())

	err := svc.LinkWallet(context.Background(), 1, "too-short")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestLinkWallet_OverwriteBreaksOldResolution(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	oldAddr := "A1111111111111111111111111111111111111111"
	newAddr := "A2222222222222222222222222222222222222222"

	if err := svc.LinkWallet(context.Background(), 1, oldAddr); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}
	if err := svc.LinkWallet(context.Background(), 1, newAddr); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	ev := transferFrom("s1", oldAddr, 2000)
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, _ := svc.GetBalance(context.Background(), 1)
	if balance.Current != 0 {
		t.Fatalf("Current = %v, want 0: transfer from relinked address must not credit", balance.Current)
	}
}

func TestCreditThenSpendScenario(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	wallet := "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	if err := svc.LinkWallet(context.Background(), 1, wallet); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	ev := transferFrom("s1", wallet, 2000)
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	balance, _ := svc.GetBalance(context.Background(), 1)
	if balance.Current != 20 {
		t.Fatalf("Current = %v, want 20", balance.Current)
	}

	ticket, err := svc.Purchase(context.Background(), 1, model.ItemBeer)
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if ticket.Price != 500 || ticket.Kind != model.ItemBeer || ticket.ID == "" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}

	balance, _ = svc.GetBalance(context.Background(), 1)
	if balance.Current != 15 {
		t.Fatalf("Current = %v, want 15", balance.Current)
	}
	if balance.Spent != 5 {
		t.Fatalf("Spent = %v, want 5", balance.Spent)
	}

	// Повторная доставка той же подписи после покупки ничего не меняет.
	if err := svc.IngestTransfers(context.Background(), []model.TransferEvent{ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}
	balance, _ = svc.GetBalance(context.Background(), 1)
	if balance.Current != 15 {
		t.Fatalf("Current = %v, want 15 after duplicate delivery", balance.Current)
	}
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	repo := newMemRepo()
	repo.balances[1] = 300
	svc := newTestService(repo)

	_, err := svc.Purchase(context.Background(), 1, model.ItemBeer)
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := svc.GetBalance(context.Background(), 1)
	if balance.Current != 3 {
		t.Fatalf("Current = %v, want 3: failed purchase must not change balance", balance.Current)
	}

	tickets, _ := svc.GetTicketsByUser(context.Background(), 1)
	if len(tickets) != 0 {
		t.Fatalf("tickets = %d, want 0", len(tickets))
	}
}

func TestPurchase_UnknownItem(t *testing.T) {
	svc := newTestService(newMemRepo())

	_, err := svc.Purchase(context.Background(), 1, model.ItemKind("vodka"))
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestPurchase_ConcurrentTicketIDsUnique(t *testing.T) {
	repo := newMemRepo()
	repo.balances[1] = 100 * 500
	svc := newTestService(repo)

	const n = 100

	var wg sync.WaitGroup
	ids := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := svc.Purchase(context.Background(), 1, model.ItemBeer)
			if err != nil {
				t.Errorf("Purchase error: %v", err)
				return
			}
			ids <- ticket.ID
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ticket id: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("unique ids = %d, want %d", len(seen), n)
	}

	balance, _ := svc.GetBalance(context.Background(), 1)
	if balance.Current != 0 {
		t.Fatalf("Current = %v, want 0 after %d purchases", balance.Current, n)
	}
}

func TestRedeemTicket(t *testing.T) {
	repo := newMemRepo()
	repo.balances[1] = 500
	svc := newTestService(repo)

	ticket, err := svc.Purchase(context.Background(), 1, model.ItemBeer)
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	if err := svc.RedeemTicket(context.Background(), ticket.ID); err != nil {
		t.Fatalf("RedeemTicket error: %v", err)
	}

	if err := svc.RedeemTicket(context.Background(), ticket.ID); !errors.Is(err, repository.ErrTicketRedeemed) {
		t.Fatalf("expected ErrTicketRedeemed, got %v", err)
	}

	if err := svc.RedeemTicket(context.Background(), "not-a-uuid"); !errors.Is(err, repository.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound for malformed id, got %v", err)
	}
}

func TestNotificationDispatch_DecoupledFromLedger(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	dispatcher := &recordingDispatcher{}
	svc.SetDispatcher(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartNotificationDispatcher(ctx)

	wallet := "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	if err := svc.LinkWallet(ctx, 1, wallet); err != nil {
		t.Fatalf("LinkWallet error: %v", err)
	}

	ev := transferFrom("s1", wallet, 2000)
	if err := svc.IngestTransfers(ctx, []model.TransferEvent{ev, ev}); err != nil {
		t.Fatalf("IngestTransfers error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		dispatcher.mu.Lock()
		count := len(dispatcher.credits)
		dispatcher.mu.Unlock()

		if count == 1 {
			break
		}
		if count > 1 {
			t.Fatalf("credits dispatched = %d, want 1", count)
		}

		select {
		case <-deadline:
			t.Fatalf("credit notification was not dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	dispatcher.mu.Lock()
	n := dispatcher.credits[0]
	dispatcher.mu.Unlock()

	if n.UserID != 1 || n.Amount != 2000 || n.NewBalance != 2000 || n.Signature != "s1" {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestStartCatchupUpdates_NoClient(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartCatchupUpdates(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartCatchupUpdates did not return without client")
	}
}
