package stakingd

import (
	"errors"
	"fmt"
	"log/slog"

	"stakepool/config"
	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/crypto"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/native/staking"
	"stakepool/observability"
	"stakepool/storage"
)

var genesisAppliedKey = []byte("stakingd/genesis-applied")

// KeyOpener decrypts the operator key. It is only invoked on the first boot,
// when the pool still has to be opened.
type KeyOpener func() (*crypto.PrivateKey, error)

// Node bundles the pool state, ledger and engine behind the HTTP server.
type Node struct {
	state  *state.Manager
	ledger *bank.Ledger
	engine *staking.Engine
	pool   *config.PoolFile
	logger *slog.Logger
}

// NewNode wires the ledger and staking engine on top of db. Genesis balances
// are minted once and the pool is opened on the first boot using the key
// returned by openKey.
func NewNode(db storage.Database, pool *config.PoolFile, pauses []string, emitter events.Emitter, openKey KeyOpener, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, errors.New("stakingd: database required")
	}
	if pool == nil {
		return nil, errors.New("stakingd: pool definition required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}

	manager := state.NewManager(db)
	if !manager.TokenExists(pool.Token.Symbol) {
		if err := manager.RegisterToken(pool.Token.Symbol, pool.Token.Name, pool.Token.Decimals); err != nil {
			return nil, fmt.Errorf("register token: %w", err)
		}
	}
	ledger := bank.NewLedger(manager)
	ledger.SetEmitter(emitter)

	n := &Node{state: manager, ledger: ledger, pool: pool, logger: logger}
	if err := n.applyGenesis(); err != nil {
		return nil, err
	}
	if pool.Rent.StakeAccount > 0 {
		policy := state.RentPolicy{
			Asset:   pool.Token.Symbol,
			PerKind: map[string]uint64{staking.KindStake: pool.Rent.StakeAccount},
		}
		if err := manager.EnableRent(ledger, policy); err != nil {
			return nil, fmt.Errorf("enable rent: %w", err)
		}
	}

	engine := staking.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetEmitter(emitter)
	engine.SetPauses(nativecommon.NewStaticPauses(pauses...))
	engine.SetVaultReserve(pool.Pool.VaultReserve)
	n.engine = engine

	if err := n.ensurePool(openKey); err != nil {
		return nil, err
	}
	n.publish()
	return n, nil
}

// Engine exposes the staking engine.
func (n *Node) Engine() *staking.Engine { return n.engine }

// Ledger exposes the token ledger.
func (n *Node) Ledger() *bank.Ledger { return n.ledger }

func (n *Node) applyGenesis() error {
	var applied bool
	ok, err := n.state.KVGet(genesisAppliedKey, &applied)
	if err != nil {
		return fmt.Errorf("read genesis marker: %w", err)
	}
	if ok && applied {
		return nil
	}
	balances, err := n.pool.Genesis()
	if err != nil {
		return err
	}
	for _, alloc := range balances {
		if err := n.ledger.Mint(alloc.Address, alloc.Amount, n.pool.Token.Symbol); err != nil {
			return fmt.Errorf("genesis allocation %s: %w", alloc.Address, err)
		}
	}
	if err := n.state.KVPut(genesisAppliedKey, true); err != nil {
		return fmt.Errorf("write genesis marker: %w", err)
	}
	n.logger.Info("genesis applied", slog.Int("allocations", len(balances)))
	return nil
}

func (n *Node) ensurePool(openKey KeyOpener) error {
	existing, err := n.engine.Pool()
	if err == nil {
		if existing.TokenID != n.pool.Token.Symbol {
			return fmt.Errorf("stakingd: stored pool stakes %s but pool file names %s", existing.TokenID, n.pool.Token.Symbol)
		}
		return nil
	}
	if !errors.Is(err, staking.ErrPoolNotFound) {
		return err
	}
	if openKey == nil {
		return errors.New("stakingd: operator key required to open the pool")
	}
	key, err := openKey()
	if err != nil {
		return fmt.Errorf("open operator keystore: %w", err)
	}
	operator := key.PubKey().Address()
	if recorded, err := n.pool.Operator(); err == nil && !recorded.Equal(operator) {
		return fmt.Errorf("stakingd: keystore key %s does not match recorded operator %s", operator, recorded)
	}
	cfg := n.pool.Pool
	opened, err := n.engine.OpenPool(operator, n.pool.Token.Symbol, cfg.MaxPerAddress, cfg.InterestRateBps, cfg.StartTime.Unix(), cfg.EndTime.Unix())
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	n.logger.Info("pool opened",
		slog.String("token", opened.TokenID),
		slog.String("addr", opened.Authority.String()),
		slog.Int64("start", opened.StartTime),
		slog.Int64("end", opened.EndTime),
	)
	return nil
}

// publish refreshes the pool gauges. Errors are ignored; the gauges simply
// keep their previous values.
func (n *Node) publish() {
	pool, err := n.engine.Pool()
	if err != nil {
		return
	}
	vault, err := n.engine.VaultBalance()
	if err != nil {
		return
	}
	observability.Staking().SetPoolState(pool.TotalDeposited, vault, pool.Paused)
}
