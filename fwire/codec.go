package fwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxRouteLen bounds the number of nodes decoded for a single route. Routes
// beyond this size cannot be afforded within a move token anyway.
const maxRouteLen = 64

// maxSignatureLen bounds the size of a decoded DER signature.
const maxSignatureLen = 80

// writeElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for the wire protocol.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		var b [1]byte
		b[0] = e
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case bool:
		var b [1]byte
		if e {
			b[0] = 1
		}
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	case PublicKey:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}
	case Uid:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}
	case RandValue:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}
	case ChannelToken:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}
	case InvoiceID:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}
	case Signature:
		if len(e) > maxSignatureLen {
			return fmt.Errorf("signature too long: %v bytes", len(e))
		}
		if err := writeElement(w, uint16(len(e))); err != nil {
			return err
		}
		if _, err := w.Write(e); err != nil {
			return err
		}
	case Ratio:
		if err := writeElement(w, e.One); err != nil {
			return err
		}
		if _, err := w.Write(e.Numerator[:]); err != nil {
			return err
		}
	case FreezeLink:
		if err := writeElement(w, e.SharedCredits); err != nil {
			return err
		}
		if err := writeElement(w, e.UsableRatio); err != nil {
			return err
		}
	case []FreezeLink:
		if err := writeElement(w, uint16(len(e))); err != nil {
			return err
		}
		for _, link := range e {
			if err := writeElement(w, link); err != nil {
				return err
			}
		}
	case Route:
		if len(e.PublicKeys) > maxRouteLen {
			return fmt.Errorf("route too long: %v nodes",
				len(e.PublicKeys))
		}
		if err := writeElement(w, uint16(len(e.PublicKeys))); err != nil {
			return err
		}
		for _, pk := range e.PublicKeys {
			if err := writeElement(w, pk); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown type in writeElement: %T", e)
	}

	return nil
}

// writeElements is writes each element in the elements slice to the passed
// io.Writer using writeElement.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		err := writeElement(w, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// readElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of the wire protocol.
func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]
	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0] != 0
	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])
	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])
	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])
	case *int64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = int64(binary.BigEndian.Uint64(b[:]))
	case *PublicKey:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}
	case *Uid:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}
	case *RandValue:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}
	case *ChannelToken:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}
	case *InvoiceID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}
	case *Signature:
		var sigLen uint16
		if err := readElement(r, &sigLen); err != nil {
			return err
		}
		if sigLen > maxSignatureLen {
			return fmt.Errorf("signature too long: %v bytes", sigLen)
		}
		sig := make([]byte, sigLen)
		if _, err := io.ReadFull(r, sig); err != nil {
			return err
		}
		*e = sig
	case *Ratio:
		if err := readElement(r, &e.One); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, e.Numerator[:]); err != nil {
			return err
		}
	case *FreezeLink:
		if err := readElement(r, &e.SharedCredits); err != nil {
			return err
		}
		if err := readElement(r, &e.UsableRatio); err != nil {
			return err
		}
	case *[]FreezeLink:
		var numLinks uint16
		if err := readElement(r, &numLinks); err != nil {
			return err
		}
		if numLinks > maxRouteLen {
			return fmt.Errorf("too many freeze links: %v", numLinks)
		}
		links := make([]FreezeLink, numLinks)
		for i := range links {
			if err := readElement(r, &links[i]); err != nil {
				return err
			}
		}
		*e = links
	case *Route:
		var numKeys uint16
		if err := readElement(r, &numKeys); err != nil {
			return err
		}
		if numKeys > maxRouteLen {
			return fmt.Errorf("route too long: %v nodes", numKeys)
		}
		keys := make([]PublicKey, numKeys)
		for i := range keys {
			if err := readElement(r, &keys[i]); err != nil {
				return err
			}
		}
		e.PublicKeys = keys
	default:
		return fmt.Errorf("unknown type in readElement: %T", e)
	}

	return nil
}

// readElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// readElement function.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := readElement(r, element)
		if err != nil {
			return err
		}
	}
	return nil
}
