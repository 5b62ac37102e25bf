package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedeemRoundTrip(t *testing.T) {
	roomKey := [32]byte{1, 2, 3}
	encKey := [32]byte{4, 5, 6}
	issuerPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var admitted []byte
	issuer := NewIssuer(roomKey, encKey, issuerPub, 0, func(key []byte) error {
		admitted = append([]byte(nil), key...)
		return nil
	})
	_, inviteStr := issuer.CreateInvite()

	candidatePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	issuerConn, candidateConn := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	var handleErr error
	go func() {
		defer wg.Done()
		handleErr = issuer.HandleStream(issuerConn)
	}()

	gotRoomKey, gotEncKey, state, err := Redeem(candidateConn, inviteStr, candidatePub)
	wg.Wait()

	require.NoError(t, err)
	require.NoError(t, handleErr)
	require.Equal(t, StateAdded, state)
	require.Equal(t, roomKey, gotRoomKey)
	require.Equal(t, encKey, gotEncKey)
	require.Equal(t, []byte(candidatePub), admitted)
}

func TestRedeemTwiceIsRejectedSecondTime(t *testing.T) {
	roomKey := [32]byte{1}
	encKey := [32]byte{2}
	issuerPub, _, _ := ed25519.GenerateKey(rand.Reader)
	issuer := NewIssuer(roomKey, encKey, issuerPub, 0, func([]byte) error { return nil })
	_, inviteStr := issuer.CreateInvite()

	run := func() (State, error) {
		candidatePub, _, _ := ed25519.GenerateKey(rand.Reader)
		issuerConn, candidateConn := net.Pipe()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = issuer.HandleStream(issuerConn)
		}()
		_, _, state, err := Redeem(candidateConn, inviteStr, candidatePub)
		wg.Wait()
		return state, err
	}

	s1, err1 := run()
	require.NoError(t, err1)
	require.Equal(t, StateAdded, s1)

	s2, err2 := run()
	require.Error(t, err2)
	require.Equal(t, StateRejected, s2)
}

func TestConcurrentRedemptionExactlyOneSucceeds(t *testing.T) {
	roomKey := [32]byte{5}
	encKey := [32]byte{6}
	issuerPub, _, _ := ed25519.GenerateKey(rand.Reader)
	issuer := NewIssuer(roomKey, encKey, issuerPub, 0, func([]byte) error { return nil })
	_, inviteStr := issuer.CreateInvite()

	type outcome struct {
		state State
		err   error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidatePub, _, _ := ed25519.GenerateKey(rand.Reader)
			issuerConn, candidateConn := net.Pipe()
			go func() { _ = issuer.HandleStream(issuerConn) }()
			_, _, state, err := Redeem(candidateConn, inviteStr, candidatePub)
			results <- outcome{state: state, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var added, rejected int
	for r := range results {
		switch r.state {
		case StateAdded:
			require.NoError(t, r.err)
			added++
		case StateRejected:
			require.Error(t, r.err)
			rejected++
		default:
			t.Fatalf("unexpected terminal state %s", r.state)
		}
	}
	require.Equal(t, 1, added)
	require.Equal(t, 1, rejected)
}

func TestRedeemWithWrongInviteIsRejected(t *testing.T) {
	roomKey := [32]byte{9}
	encKey := [32]byte{8}
	issuerPub, _, _ := ed25519.GenerateKey(rand.Reader)
	issuer := NewIssuer(roomKey, encKey, issuerPub, 0, func([]byte) error { return nil })
	issuer.CreateInvite()

	otherIssuer := NewIssuer([32]byte{99}, encKey, issuerPub, 0, func([]byte) error { return nil })
	_, wrongInvite := otherIssuer.CreateInvite()

	candidatePub, _, _ := ed25519.GenerateKey(rand.Reader)
	issuerConn, candidateConn := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = issuer.HandleStream(issuerConn)
	}()

	_, _, state, err := Redeem(candidateConn, wrongInvite, candidatePub)
	wg.Wait()

	require.Error(t, err)
	require.Equal(t, StateRejected, state)
}
