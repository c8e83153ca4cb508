package beancore

// Kind identifies the instance-management model of a component home.
type Kind uint8

const (
	// KindStateless components are pooled by type. Any pooled instance can
	// serve any call; no identity key is bound.
	KindStateless Kind = iota

	// KindStateful components hold conversational state under an identity
	// key minted by Home.Create. They are cached by key, evicted on idle
	// timeout and passivated under memory pressure.
	KindStateful

	// KindSingleton components have exactly one instance per home, created
	// lazily on first use.
	KindSingleton

	// KindManaged components get one instance per wrapper. The instance is
	// destroyed once the wrapper becomes unreachable.
	KindManaged
)

var kindNames = [...]string{
	KindStateless: "stateless",
	KindStateful:  "stateful",
	KindSingleton: "singleton",
	KindManaged:   "managed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// TxManagement selects who demarcates transactions for a home.
type TxManagement uint8

const (
	// ContainerManaged homes let the dispatch protocol begin, join and
	// complete transactions according to each method's TxAttribute.
	ContainerManaged TxManagement = iota

	// BeanManaged homes demarcate their own transactions through a
	// UserTransaction. The caller's transaction is always suspended.
	BeanManaged
)

func (m TxManagement) String() string {
	if m == BeanManaged {
		return "bean-managed"
	}
	return "container-managed"
}

// KindPolicy captures the per-kind rules the dispatch protocol consults.
type KindPolicy struct {
	// Pooled kinds keep idle instances keyed by type and hand them out LIFO.
	Pooled bool

	// IdentityKeyed kinds bind every instance to a key that callers carry
	// in their wrapper.
	IdentityKeyed bool

	// Reentrant permits a nested call on the same call chain to enter an
	// instance that is already executing a method. Calls from a different
	// chain are never admitted to a busy stateful instance.
	Reentrant bool

	// DiscardOnSystemFailure discards the instance when an unchecked
	// failure escapes a business method.
	DiscardOnSystemFailure bool
}

// defaultKindPolicies is copied into every container; WithReentrancy and
// HomeConfig.Reentrant override the Reentrant bit.
var defaultKindPolicies = map[Kind]KindPolicy{
	KindStateless: {Pooled: true, DiscardOnSystemFailure: true},
	KindStateful:  {IdentityKeyed: true, DiscardOnSystemFailure: true},
	KindSingleton: {Reentrant: true},
	KindManaged:   {IdentityKeyed: true, Reentrant: true, DiscardOnSystemFailure: true},
}
