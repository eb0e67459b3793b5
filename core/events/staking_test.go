package events

import (
	"bytes"
	"testing"

	"stakepool/crypto"
)

func testAddress(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.StakePrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func TestStakeWithdrawnEvent(t *testing.T) {
	holder := testAddress(0x11)
	evt := StakeWithdrawn{
		Account:   holder,
		Principal: 1_000_000,
		Reward:    100_000,
		Timestamp: 42,
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeStakeWithdrawn {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["addr"] != holder.String() {
		t.Fatalf("unexpected addr attr: %s", evt.Attributes["addr"])
	}
	if evt.Attributes["amount"] != "1100000" {
		t.Fatalf("unexpected amount attr: %s", evt.Attributes["amount"])
	}
	if evt.Attr("timestamp") != "42" {
		t.Fatalf("unexpected timestamp attr: %s", evt.Attr("timestamp"))
	}
}

func TestPoolOpenedNormalisesToken(t *testing.T) {
	evt := PoolOpened{
		Authority:    testAddress(0x01),
		Vault:        testAddress(0x02),
		Token:        " stk ",
		InterestRate: 1_000,
		StartTime:    10,
		EndTime:      20,
	}.Event()
	if evt.Attributes["token"] != "STK" {
		t.Fatalf("unexpected token attr: %q", evt.Attributes["token"])
	}
	if evt.Attributes["interestBps"] != "1000" {
		t.Fatalf("unexpected rate attr: %s", evt.Attributes["interestBps"])
	}
}

func TestFanoutDeliversToEveryEmitter(t *testing.T) {
	var first, second []string
	fan := Fanout{
		EmitterFunc(func(evt Event) { first = append(first, evt.EventType()) }),
		nil,
		EmitterFunc(func(evt Event) { second = append(second, evt.EventType()) }),
	}
	fan.Emit(StakeRewardClaimed{Account: testAddress(0x03), Amount: 5})
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both emitters to observe the event, got %v and %v", first, second)
	}
	if first[0] != TypeStakeRewardClaimed {
		t.Fatalf("unexpected event type %s", first[0])
	}
}
