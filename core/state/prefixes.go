package state

var (
	tokenPrefix   = []byte("token:")
	balancePrefix = []byte("balance:")
	ownerPrefix   = []byte("owner:")
	recordPrefix  = []byte("record:")
	kvPrefix      = []byte("kv:")
)
