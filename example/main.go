package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	beancore "github.com/ahrav/go-beancore"
)

// ErrInsufficientFunds is a declared application error: it rolls back the
// transfer but leaves the account instances in service.
var ErrInsufficientFunds = errors.New("insufficient funds")

func main() {
	fmt.Println("=== Component Container Example ===")
	fmt.Println()

	demonstrateParseIdentity()
	fmt.Println()

	ctx := context.Background()
	b, err := newBank(ctx)
	if err != nil {
		log.Fatal("Failed to start bank:", err)
	}
	defer b.close(ctx)

	alice, err := b.open(ctx, 100)
	if err != nil {
		log.Fatal("Failed to open account:", err)
	}
	bob, err := b.open(ctx, 20)
	if err != nil {
		log.Fatal("Failed to open account:", err)
	}

	demonstrateTransfers(ctx, b, alice, bob)
}

// demonstrateParseIdentity shows how identities render and parse.
func demonstrateParseIdentity() {
	fmt.Println("--- ParseIdentity Examples ---")

	examples := []string{
		"account/7d9c0c5e-1f2b-4c8e-9a57-2f4b1c3d5e6f",
		"teller/",
		"account/with/slashes",
		"no-separator",
	}
	for _, s := range examples {
		id, err := beancore.ParseIdentity(s)
		if err != nil {
			fmt.Printf("  %-48s invalid: %v\n", s, err)
			continue
		}
		fmt.Printf("  %-48s home=%q key=%q\n", s, id.Home, id.Key)
	}
}

// account is a stateful component. Changes made inside a transaction are
// kept pending until the transaction completes.
type account struct {
	mu      sync.Mutex
	balance int64
	pending int64
}

func (a *account) withdraw(amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance+a.pending < amount {
		return fmt.Errorf("withdraw %d from %d: %w", amount, a.balance+a.pending, ErrInsufficientFunds)
	}
	a.pending -= amount
	return nil
}

func (a *account) deposit(amount int64) {
	a.mu.Lock()
	a.pending += amount
	a.mu.Unlock()
}

func (a *account) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// AfterCompletion applies or drops the pending changes.
func (a *account) AfterCompletion(committed bool) {
	a.mu.Lock()
	if committed {
		a.balance += a.pending
	}
	a.pending = 0
	a.mu.Unlock()
}

// teller is a stateless component that moves money between accounts.
type teller struct{}

type bank struct {
	c        *beancore.Container
	accounts *beancore.Home
	tellers  *beancore.Home
}

func newBank(ctx context.Context) (*bank, error) {
	c, err := beancore.New()
	if err != nil {
		return nil, err
	}
	accounts, err := c.Install(ctx, beancore.HomeConfig{
		Name:    "account",
		Kind:    beancore.KindStateful,
		Factory: beancore.FactoryFunc(func(context.Context) (any, error) { return &account{}, nil }),
		Methods: []beancore.MethodInfo{
			{ID: "deposit", TxAttribute: beancore.TxMandatory},
			{
				ID:                "withdraw",
				TxAttribute:       beancore.TxMandatory,
				ApplicationErrors: []beancore.ApplicationError{{Target: ErrInsufficientFunds, Rollback: true}},
			},
			{ID: "open"},
			{ID: "balance", TxAttribute: beancore.TxSupports},
		},
	})
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	tellers, err := c.Install(ctx, beancore.HomeConfig{
		Name:    "teller",
		Factory: beancore.FactoryFunc(func(context.Context) (any, error) { return teller{}, nil }),
		Methods: []beancore.MethodInfo{{
			ID:                "transfer",
			ApplicationErrors: []beancore.ApplicationError{{Target: ErrInsufficientFunds}},
		}},
	})
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	return &bank{c: c, accounts: accounts, tellers: tellers}, nil
}

func (b *bank) close(ctx context.Context) error { return b.c.Close(ctx) }

// open starts an account session with an initial balance.
func (b *bank) open(ctx context.Context, initial int64) (*beancore.Wrapper, error) {
	w, err := b.accounts.Create(ctx)
	if err != nil {
		return nil, err
	}
	err = w.Invoke(ctx, "open", func(_ context.Context, instance any) error {
		instance.(*account).deposit(initial)
		return nil
	})
	return w, err
}

// transfer moves amount in one transaction begun by the teller call. Both
// account calls join it.
func (b *bank) transfer(ctx context.Context, from, to *beancore.Wrapper, amount int64) error {
	return b.tellers.Wrapper("").Invoke(ctx, "transfer", func(ctx context.Context, _ any) error {
		err := from.Invoke(ctx, "withdraw", func(_ context.Context, instance any) error {
			return instance.(*account).withdraw(amount)
		})
		if err != nil {
			return err
		}
		return to.Invoke(ctx, "deposit", func(_ context.Context, instance any) error {
			instance.(*account).deposit(amount)
			return nil
		})
	})
}

// balance brackets the call by hand with PreInvoke and PostInvoke.
func (b *bank) balance(ctx context.Context, w *beancore.Wrapper) (int64, error) {
	inv, err := b.c.PreInvoke(ctx, w, "balance")
	if err != nil {
		return 0, err
	}
	bal := inv.Instance().(*account).Balance()
	return bal, b.c.PostInvoke(inv, nil)
}

func demonstrateTransfers(ctx context.Context, b *bank, alice, bob *beancore.Wrapper) {
	fmt.Println("--- Transfers ---")
	show := func() {
		a, _ := b.balance(ctx, alice)
		c, _ := b.balance(ctx, bob)
		fmt.Printf("  alice=%d bob=%d\n", a, c)
	}
	show()

	for _, amount := range []int64{30, 500, 70} {
		err := b.transfer(ctx, alice, bob, amount)
		switch {
		case err == nil:
			fmt.Printf("Transferred %d\n", amount)
		case errors.Is(err, ErrInsufficientFunds):
			fmt.Printf("Transfer of %d rolled back: %v\n", amount, err)
		default:
			fmt.Printf("Transfer of %d failed: %v\n", amount, err)
		}
		show()
	}

	err := alice.Invoke(ctx, "withdraw", func(context.Context, any) error { return nil })
	fmt.Printf("Withdraw outside a transaction: %v\n", err)
}
