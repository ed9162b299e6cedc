package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carelink/pharmacy/internal/domain/catalog"
	"github.com/carelink/pharmacy/internal/platform/metrics"
	"github.com/carelink/pharmacy/internal/platform/payment"
)

// memDB is an in-memory stand-in for the product, orders, payment_event and
// outbox tables. The outermost WithinTx holds mu for the whole unit of work,
// and every nested scope snapshots state so it can roll back alone.
type memDB struct {
	mu       sync.Mutex
	products map[uuid.UUID]catalog.Product
	orders   map[uuid.UUID]Order
	events   map[string]string
	outbox   []outboxRow

	failRestore map[uuid.UUID]error
	failCreate  error
}

type outboxRow struct {
	key       string
	eventType string
	payload   any
}

type lockedKey struct{}

func newMemDB() *memDB {
	return &memDB{
		products:    map[uuid.UUID]catalog.Product{},
		orders:      map[uuid.UUID]Order{},
		events:      map[string]string{},
		failRestore: map[uuid.UUID]error{},
	}
}

func (d *memDB) run(ctx context.Context, fn func()) {
	if ctx.Value(lockedKey{}) == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	fn()
}

type memSnapshot struct {
	products map[uuid.UUID]catalog.Product
	orders   map[uuid.UUID]Order
	events   map[string]string
	outbox   []outboxRow
}

func (d *memDB) snapshot() memSnapshot {
	s := memSnapshot{
		products: make(map[uuid.UUID]catalog.Product, len(d.products)),
		orders:   make(map[uuid.UUID]Order, len(d.orders)),
		events:   make(map[string]string, len(d.events)),
		outbox:   append([]outboxRow(nil), d.outbox...),
	}
	for k, v := range d.products {
		s.products[k] = v
	}
	for k, v := range d.orders {
		s.orders[k] = copyOrder(v)
	}
	for k, v := range d.events {
		s.events[k] = v
	}
	return s
}

func (d *memDB) restore(s memSnapshot) {
	d.products, d.orders, d.events, d.outbox = s.products, s.orders, s.events, s.outbox
}

func copyOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	o.PrescriptionImages = append([]string(nil), o.PrescriptionImages...)
	return o
}

func (d *memDB) addProduct(name, price string, stock int, rx bool) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := catalog.Product{
		ID:                   uuid.New(),
		Name:                 name,
		Price:                decimal.RequireFromString(price),
		StockQuantity:        stock,
		InStock:              stock > 0,
		RequiresPrescription: rx,
		PharmacyID:           testPharmacy,
	}
	d.products[p.ID] = p
	return p.ID
}

func (d *memDB) stock(id uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.products[id].StockQuantity
}

func (d *memDB) order(id uuid.UUID) Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyOrder(d.orders[id])
}

func (d *memDB) orderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.orders)
}

func (d *memDB) outboxTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.outbox))
	for _, r := range d.outbox {
		out = append(out, r.eventType)
	}
	return out
}

// ---- unit of work ----

type memTx struct{ db *memDB }

func (m *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(lockedKey{}) == nil {
		m.db.mu.Lock()
		defer m.db.mu.Unlock()
		ctx = context.WithValue(ctx, lockedKey{}, true)
	}
	snap := m.db.snapshot()
	if err := fn(ctx); err != nil {
		m.db.restore(snap)
		return err
	}
	return nil
}

// ---- ledger ----

type memLedger struct{ db *memDB }

func (l *memLedger) Reserve(ctx context.Context, id uuid.UUID, qty int) (*catalog.Product, error) {
	if qty <= 0 {
		return nil, catalog.ErrInvalidQuantity
	}
	var (
		out *catalog.Product
		err error
	)
	l.db.run(ctx, func() {
		p, ok := l.db.products[id]
		if !ok {
			err = &catalog.InsufficientStockError{ProductID: id, Requested: qty, Missing: true}
			return
		}
		if !p.Available(qty) {
			err = &catalog.InsufficientStockError{ProductID: id, ProductName: p.Name, Requested: qty, Available: p.StockQuantity}
			return
		}
		p.StockQuantity -= qty
		p.InStock = p.StockQuantity > 0
		l.db.products[id] = p
		out = &p
	})
	return out, err
}

func (l *memLedger) Restore(ctx context.Context, id uuid.UUID, qty int) error {
	var err error
	l.db.run(ctx, func() {
		if ferr := l.db.failRestore[id]; ferr != nil {
			err = ferr
			return
		}
		p, ok := l.db.products[id]
		if !ok {
			err = catalog.ErrProductNotFound
			return
		}
		p.StockQuantity += qty
		p.InStock = true
		l.db.products[id] = p
	})
	return err
}

// ---- outbox ----

type memEvents struct{ db *memDB }

func (e *memEvents) Insert(ctx context.Context, key, eventType string, payload any) error {
	e.db.run(ctx, func() {
		e.db.outbox = append(e.db.outbox, outboxRow{key: key, eventType: eventType, payload: payload})
	})
	return nil
}

// ---- orders ----

type memOrders struct{ db *memDB }

func (r *memOrders) Create(ctx context.Context, o *Order) error {
	var err error
	r.db.run(ctx, func() {
		if r.db.failCreate != nil {
			err = r.db.failCreate
			return
		}
		for _, existing := range r.db.orders {
			if existing.OrderNumber == o.OrderNumber {
				err = ErrDuplicateOrderNumber
				return
			}
		}
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		now := time.Now().UTC()
		o.CreatedAt, o.UpdatedAt = now, now
		r.db.orders[o.ID] = copyOrder(*o)
	})
	return err
}

func (r *memOrders) find(ctx context.Context, pred func(Order) bool) (*Order, error) {
	var out *Order
	r.db.run(ctx, func() {
		for _, o := range r.db.orders {
			if pred(o) {
				c := copyOrder(o)
				out = &c
				return
			}
		}
	})
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (r *memOrders) FindByID(ctx context.Context, id uuid.UUID, owner string) (*Order, error) {
	return r.find(ctx, func(o Order) bool {
		return o.ID == id && (owner == "" || o.OwnedBy(owner))
	})
}

func (r *memOrders) FindByOrderNumber(ctx context.Context, number string) (*Order, error) {
	return r.find(ctx, func(o Order) bool { return o.OrderNumber == number })
}

func (r *memOrders) FindByPaymentSessionID(ctx context.Context, sessionID string) (*Order, error) {
	return r.find(ctx, func(o Order) bool {
		return o.PaymentSessionID != nil && *o.PaymentSessionID == sessionID
	})
}

func (r *memOrders) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*Order, int, error) {
	all := []*Order{}
	r.db.run(ctx, func() {
		for _, o := range r.db.orders {
			if o.OwnedBy(customerID) {
				c := copyOrder(o)
				all = append(all, &c)
			}
		}
	})
	sort.Slice(all, func(i, j int) bool { return all[i].OrderNumber > all[j].OrderNumber })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memOrders) Transition(ctx context.Context, t Transition) (*Order, Status, error) {
	var (
		out  *Order
		prev Status
	)
	r.db.run(ctx, func() {
		for id, o := range r.db.orders {
			if !matches(o, t) {
				continue
			}
			prev = o.Status
			if t.ToStatus != "" {
				o.Status = t.ToStatus
			}
			if t.ToPaymentStatus != "" {
				o.PaymentStatus = t.ToPaymentStatus
			}
			if t.PaymentIntentID != "" {
				intent := t.PaymentIntentID
				o.PaymentIntentID = &intent
			}
			if t.PaymentMethod != "" {
				o.PaymentMethod = t.PaymentMethod
			}
			if t.UpdatedBy != "" {
				o.UpdatedBy = t.UpdatedBy
			}
			o.UpdatedAt = time.Now().UTC()
			r.db.orders[id] = o
			c := copyOrder(o)
			out = &c
			return
		}
	})
	if out == nil {
		return nil, "", ErrOrderNotFound
	}
	return out, prev, nil
}

func matches(o Order, t Transition) bool {
	m := t.Match
	switch {
	case m.ID != uuid.Nil:
		if o.ID != m.ID {
			return false
		}
	case m.PaymentSessionID != "":
		if o.PaymentSessionID == nil || *o.PaymentSessionID != m.PaymentSessionID {
			return false
		}
	case m.PaymentIntentID != "":
		if o.PaymentIntentID == nil || *o.PaymentIntentID != m.PaymentIntentID {
			return false
		}
	default:
		return false
	}
	if m.CustomerID != "" && !o.OwnedBy(m.CustomerID) {
		return false
	}
	if len(t.FromStatus) > 0 && !containsStatus(t.FromStatus, o.Status) {
		return false
	}
	if len(t.FromPaymentStatus) > 0 && !containsPaymentStatus(t.FromPaymentStatus, o.PaymentStatus) {
		return false
	}
	return true
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPaymentStatus(set []PaymentStatus, s PaymentStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (r *memOrders) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status, by string) (*Order, error) {
	o, _, err := r.Transition(ctx, Transition{Match: Match{ID: id}, FromStatus: from, ToStatus: to, UpdatedBy: by})
	return o, err
}

func (r *memOrders) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from []PaymentStatus, to PaymentStatus, by string) (*Order, error) {
	o, _, err := r.Transition(ctx, Transition{Match: Match{ID: id}, FromPaymentStatus: from, ToPaymentStatus: to, UpdatedBy: by})
	return o, err
}

func (r *memOrders) SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID, by string) (*Order, error) {
	var out *Order
	r.db.run(ctx, func() {
		o, ok := r.db.orders[id]
		if !ok || !o.AwaitingPayment() {
			return
		}
		o.PaymentSessionID = &sessionID
		o.UpdatedBy = by
		r.db.orders[id] = o
		c := copyOrder(o)
		out = &c
	})
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (r *memOrders) SetItemVerified(ctx context.Context, id, productID uuid.UUID, by string) (*Order, error) {
	var out *Order
	r.db.run(ctx, func() {
		o, ok := r.db.orders[id]
		if !ok || o.Status == StatusCancelled {
			return
		}
		o = copyOrder(o)
		for i := range o.Items {
			if o.Items[i].ProductID == productID {
				o.Items[i].PrescriptionVerified = true
				o.UpdatedBy = by
				r.db.orders[id] = o
				c := copyOrder(o)
				out = &c
				return
			}
		}
	})
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (r *memOrders) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	fresh := false
	r.db.run(ctx, func() {
		if _, ok := r.db.events[eventID]; !ok {
			r.db.events[eventID] = eventType
			fresh = true
		}
	})
	return fresh, nil
}

// ---- payment gateway ----

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	requests []payment.SessionRequest
}

func (g *fakeGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	id := fmt.Sprintf("cs_test_%d", len(g.requests))
	return &payment.Session{ID: id, URL: "https://pay.example.com/" + id}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// ---- harness ----

var (
	testPharmacy = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testDay      = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	errBoom      = errors.New("boom")
)

type harness struct {
	svc     *Service
	db      *memDB
	gateway *fakeGateway
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := newMemDB()
	gw := &fakeGateway{}
	m := metrics.New()
	svc := NewService(Deps{
		Orders:   &memOrders{db: d},
		Ledger:   &memLedger{db: d},
		Tx:       &memTx{db: d},
		Numberer: NewClockNumberer(func() time.Time { return testDay }),
		Gateway:  gw,
		Events:   &memEvents{db: d},
		Metrics:  m,
		Logger:   zerolog.Nop(),
		Config: CheckoutConfig{
			Currency:   "usd",
			SuccessURL: "https://shop.example.com/success",
			CancelURL:  "https://shop.example.com/cancel",
		},
	})
	return &harness{svc: svc, db: d, gateway: gw, metrics: m}
}

func guestRequest(method PaymentMethod, items ...CheckoutItem) CheckoutRequest {
	return CheckoutRequest{
		Items:         items,
		PaymentMethod: method,
		ShippingInfo:  ShippingInfo{Name: "Ada Guest", Email: "ada@example.com"},
		Actor:         "guest",
	}
}

func customerRequest(customer string, method PaymentMethod, items ...CheckoutItem) CheckoutRequest {
	req := guestRequest(method, items...)
	req.CustomerID, req.Actor = customer, customer
	return req
}

func line(id uuid.UUID, qty int) CheckoutItem {
	return CheckoutItem{ProductID: id, Quantity: qty}
}
