package identity

import (
	"sync"

	"github.com/btcsuite/fastsha256"
	"github.com/go-errors/errors"
	"github.com/roasbeef/btcd/btcec"

	"github.com/stephensong/offst/fwire"
)

// ErrServiceStopped is returned when a request is made against a service
// that has already been shut down.
var ErrServiceStopped = errors.New("identity service stopped")

// Signer is the interface the funder uses to obtain signatures over
// canonical buffers. The private key never leaves the implementation;
// callers hold only this handle.
type Signer interface {
	// PublicKey returns the serialized compressed public key of the
	// identity.
	PublicKey() fwire.PublicKey

	// RequestSignature signs the sha256 digest of the passed buffer and
	// returns the DER encoded signature.
	RequestSignature(buf []byte) (fwire.Signature, error)
}

// signRequest is the internal message passed to the service goroutine for
// each signature request.
type signRequest struct {
	digest [32]byte
	resp   chan signResponse
}

type signResponse struct {
	sig fwire.Signature
	err error
}

// Service holds a long-term private key and serves signature requests from
// a single goroutine, so that the key material is confined to one place.
type Service struct {
	started  int32
	shutdown int32

	pubKey fwire.PublicKey

	requests chan *signRequest
	quit     chan struct{}
	wg       sync.WaitGroup

	privKey *btcec.PrivateKey
}

// A compile time check to ensure Service implements the Signer interface.
var _ Signer = (*Service)(nil)

// NewService creates a new identity service around the passed private key
// and starts its serving goroutine.
func NewService(privKey *btcec.PrivateKey) *Service {
	var pubKey fwire.PublicKey
	copy(pubKey[:], privKey.PubKey().SerializeCompressed())

	s := &Service{
		pubKey:   pubKey,
		privKey:  privKey,
		requests: make(chan *signRequest),
		quit:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.requestHandler()

	log.Infof("Identity service started for %v", pubKey)
	return s
}

// requestHandler serves signature requests until the service is stopped.
//
// NOTE: This MUST be run as a goroutine.
func (s *Service) requestHandler() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.requests:
			sig, err := s.privKey.Sign(req.digest[:])
			if err != nil {
				log.Errorf("Unable to sign digest %x: %v",
					req.digest[:8], err)
				req.resp <- signResponse{err: err}
				continue
			}
			req.resp <- signResponse{
				sig: fwire.Signature(sig.Serialize()),
			}

		case <-s.quit:
			return
		}
	}
}

// PublicKey returns the serialized compressed public key of the identity.
func (s *Service) PublicKey() fwire.PublicKey {
	return s.pubKey
}

// RequestSignature signs the sha256 digest of the passed buffer and returns
// the DER encoded signature.
func (s *Service) RequestSignature(buf []byte) (fwire.Signature, error) {
	req := &signRequest{
		digest: fastsha256.Sum256(buf),
		resp:   make(chan signResponse, 1),
	}

	select {
	case s.requests <- req:
	case <-s.quit:
		return nil, ErrServiceStopped
	}

	select {
	case resp := <-req.resp:
		return resp.sig, resp.err
	case <-s.quit:
		return nil, ErrServiceStopped
	}
}

// Stop shuts down the serving goroutine and waits for it to exit.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// VerifySignature checks a DER encoded signature over the sha256 digest of
// the passed buffer against the passed serialized public key.
func VerifySignature(buf []byte, sig fwire.Signature,
	pubKey fwire.PublicKey) bool {

	parsedKey, err := btcec.ParsePubKey(pubKey[:], btcec.S256())
	if err != nil {
		return false
	}

	parsedSig, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return false
	}

	digest := fastsha256.Sum256(buf)
	return parsedSig.Verify(digest[:], parsedKey)
}
