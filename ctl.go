package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"

	"github.com/stephensong/offst/funder"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

// ctlRequest is one line of the control protocol spoken by fundercli: a
// method name plus whichever parameters the method needs.
type ctlRequest struct {
	Method string `json:"method"`

	PubKey  string `json:"pubkey,omitempty"`
	Address string `json:"address,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
	MaxDebt uint64 `json:"max_debt,omitempty"`

	RequestID   string   `json:"request_id,omitempty"`
	Route       []string `json:"route,omitempty"`
	DestPayment uint64   `json:"dest_payment,omitempty"`
	FeePerHop   uint64   `json:"fee_per_hop,omitempty"`
	InvoiceID   string   `json:"invoice_id,omitempty"`
}

// ctlFriendInfo is the control surface view of one friend.
type ctlFriendInfo struct {
	PubKey            string `json:"pubkey"`
	Address           string `json:"address"`
	Status            string `json:"status"`
	Balance           int64  `json:"balance"`
	LocalMaxDebt      uint64 `json:"local_max_debt"`
	RemoteMaxDebt     uint64 `json:"remote_max_debt"`
	LocalPendingDebt  uint64 `json:"local_pending_debt"`
	RemotePendingDebt uint64 `json:"remote_pending_debt"`
	RequestsStatus    string `json:"requests_status"`
	Consistent        bool   `json:"consistent"`
}

// ctlResponse is the answer to one control request.
type ctlResponse struct {
	Error   string          `json:"error,omitempty"`
	Friends []ctlFriendInfo `json:"friends,omitempty"`

	PaymentStatus string `json:"payment_status,omitempty"`
	ReportingNode string `json:"reporting_node,omitempty"`
}

// ctlAcceptLoop admits control connections from fundercli.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) ctlAcceptLoop() {
	for {
		conn, err := s.ctlListener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				srvrLog.Errorf("Ctl accept failed: %v", err)
				continue
			}
		}

		go s.ctlConnHandler(conn)
	}
}

// ctlConnHandler serves one control connection, one JSON line per request.
func (s *server) ctlConnHandler(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req ctlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			encoder.Encode(&ctlResponse{Error: err.Error()})
			continue
		}

		resp := s.handleCtlRequest(&req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

// parsePubKey decodes a hex encoded public key.
func parsePubKey(s string) (fwire.PublicKey, error) {
	var pk fwire.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, err
	}
	if len(raw) != fwire.PubKeyLen {
		return pk, fmt.Errorf("public key must be %v bytes",
			fwire.PubKeyLen)
	}
	copy(pk[:], raw)
	return pk, nil
}

// parseUid decodes a hex encoded request or payment id.
func parseUid(s string) (fwire.Uid, error) {
	var uid fwire.Uid
	raw, err := hex.DecodeString(s)
	if err != nil {
		return uid, err
	}
	if len(raw) != fwire.UidLen {
		return uid, fmt.Errorf("uid must be %v bytes", fwire.UidLen)
	}
	copy(uid[:], raw)
	return uid, nil
}

// handleCtlRequest translates one control request into app commands or
// state queries.
func (s *server) handleCtlRequest(req *ctlRequest) *ctlResponse {
	fail := func(err error) *ctlResponse {
		return &ctlResponse{Error: err.Error()}
	}

	switch req.Method {
	case "listfriends":
		return s.ctlListFriends()

	case "addfriend":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			AddFriend: &funder.AddFriendCmd{
				RemotePubKey: pk,
				Address:      req.Address,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "removefriend":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			RemoveFriend: &funder.RemoveFriendCmd{RemotePubKey: pk},
		})
		if err != nil {
			return fail(err)
		}
		if err := s.db.DeleteFriendSnapshot(pk); err != nil {
			srvrLog.Warnf("Unable to delete friend snapshot: %v", err)
		}
		return &ctlResponse{}

	case "setfriendstatus":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		status := funder.StatusDisabled
		if req.Enabled {
			status = funder.StatusEnabled
		}
		err = s.execAppCommand(&funder.AppCommand{
			SetFriendStatus: &funder.SetFriendStatusCmd{
				RemotePubKey: pk,
				Status:       status,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "setmaxdebt":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			SetFriendRemoteMaxDebt: &funder.SetFriendRemoteMaxDebtCmd{
				RemotePubKey: pk,
				MaxDebt:      req.MaxDebt,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "openchannel":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			OpenFriendChannel: &funder.OpenFriendChannelCmd{
				RemotePubKey: pk,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "closechannel":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			CloseFriendChannel: &funder.CloseFriendChannelCmd{
				RemotePubKey: pk,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "resetchannel":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			ResetFriendChannel: &funder.ResetFriendChannelCmd{
				RemotePubKey: pk,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "setfriendaddr":
		pk, err := parsePubKey(req.PubKey)
		if err != nil {
			return fail(err)
		}
		err = s.execAppCommand(&funder.AppCommand{
			SetFriendAddr: &funder.SetFriendAddrCmd{
				RemotePubKey: pk,
				Address:      req.Address,
			},
		})
		if err != nil {
			return fail(err)
		}
		return &ctlResponse{}

	case "sendfunds":
		return s.ctlSendFunds(req)

	case "payresult":
		id, err := parseUid(req.RequestID)
		if err != nil {
			return fail(err)
		}
		result, ok := s.fetchPaymentResult(id)
		if !ok {
			return &ctlResponse{PaymentStatus: "pending"}
		}
		if result.Receipt != nil {
			return &ctlResponse{PaymentStatus: "settled"}
		}
		return &ctlResponse{
			PaymentStatus: "failed",
			ReportingNode: hex.EncodeToString(
				result.ReportingPubKey[:]),
		}

	default:
		return fail(fmt.Errorf("unknown method %q", req.Method))
	}
}

// ctlListFriends snapshots every friend for the control surface.
func (s *server) ctlListFriends() *ctlResponse {
	resp := &ctlResponse{}

	// The persisted view is refreshed by the event loop after every
	// mutating event, so it is read here instead of reaching into the
	// handler's state from a foreign goroutine.
	snapshots, err := s.db.FetchAllFriendSnapshots()
	if err != nil {
		return &ctlResponse{Error: err.Error()}
	}

	for _, snapshot := range snapshots {
		status := "closed"
		if snapshot.LocalRequestsStatus == tokenchannel.RequestsOpen {
			status = "open"
		}
		resp.Friends = append(resp.Friends, ctlFriendInfo{
			PubKey:            hex.EncodeToString(snapshot.RemotePubKey[:]),
			Address:           snapshot.Address,
			Status:            snapshot.Status.String(),
			Balance:           snapshot.Balance,
			LocalMaxDebt:      snapshot.LocalMaxDebt,
			RemoteMaxDebt:     snapshot.RemoteMaxDebt,
			LocalPendingDebt:  snapshot.LocalPendingDebt,
			RemotePendingDebt: snapshot.RemotePendingDebt,
			RequestsStatus:    status,
			Consistent:        snapshot.IsConsistent,
		})
	}

	return resp
}

// ctlSendFunds originates a payment from the control surface.
func (s *server) ctlSendFunds(req *ctlRequest) *ctlResponse {
	fail := func(err error) *ctlResponse {
		return &ctlResponse{Error: err.Error()}
	}

	id, err := parseUid(req.RequestID)
	if err != nil {
		return fail(err)
	}

	var route fwire.Route
	for _, hop := range req.Route {
		pk, err := parsePubKey(hop)
		if err != nil {
			return fail(err)
		}
		route.PublicKeys = append(route.PublicKeys, pk)
	}

	var invoiceID fwire.InvoiceID
	if req.InvoiceID != "" {
		raw, err := hex.DecodeString(req.InvoiceID)
		if err != nil || len(raw) != fwire.InvoiceIDLen {
			return fail(fmt.Errorf("invalid invoice id"))
		}
		copy(invoiceID[:], raw)
	}

	err = s.execAppCommand(&funder.AppCommand{
		SendFunds: &funder.SendFundsCmd{
			RequestID:   id,
			Route:       route,
			DestPayment: req.DestPayment,
			FeePerHop:   req.FeePerHop,
			InvoiceID:   invoiceID,
		},
	})
	if err != nil {
		return fail(err)
	}

	return &ctlResponse{PaymentStatus: "pending"}
}
