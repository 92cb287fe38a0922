package main

import (
	"encoding/hex"

	"crypto/rand"

	"github.com/urfave/cli"
)

// ctlRequest mirrors the daemon's control protocol request line.
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

// ctlFriendInfo mirrors the daemon's friend view.
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

// ctlResponse mirrors the daemon's control protocol response line.
type ctlResponse struct {
	Error   string          `json:"error,omitempty"`
	Friends []ctlFriendInfo `json:"friends,omitempty"`

	PaymentStatus string `json:"payment_status,omitempty"`
	ReportingNode string `json:"reporting_node,omitempty"`
}

var listFriendsCommand = cli.Command{
	Name:  "listfriends",
	Usage: "list all tracked friends and their channel state",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{Method: "listfriends"})
		if err != nil {
			return err
		}
		printRespJSON(resp.Friends)
		return nil
	},
}

var addFriendCommand = cli.Command{
	Name:      "addfriend",
	Usage:     "start tracking a new friend",
	ArgsUsage: "pubkey address",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method:  "addfriend",
			PubKey:  ctx.Args().Get(0),
			Address: ctx.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var removeFriendCommand = cli.Command{
	Name:      "removefriend",
	Usage:     "stop tracking a friend",
	ArgsUsage: "pubkey",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method: "removefriend",
			PubKey: ctx.Args().First(),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var setFriendStatusCommand = cli.Command{
	Name:      "setfriendstatus",
	Usage:     "enable or disable the transport towards a friend",
	ArgsUsage: "pubkey",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "enabled",
			Usage: "maintain a connection to this friend",
		},
	},
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method:  "setfriendstatus",
			PubKey:  ctx.Args().First(),
			Enabled: ctx.Bool("enabled"),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var setMaxDebtCommand = cli.Command{
	Name:      "setmaxdebt",
	Usage:     "set the maximum debt a friend may accumulate against us",
	ArgsUsage: "pubkey",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "max_debt",
			Usage: "the debt ceiling in credits",
		},
	},
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method:  "setmaxdebt",
			PubKey:  ctx.Args().First(),
			MaxDebt: ctx.Uint64("max_debt"),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var openChannelCommand = cli.Command{
	Name:      "openchannel",
	Usage:     "start accepting requests from a friend",
	ArgsUsage: "pubkey",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method: "openchannel",
			PubKey: ctx.Args().First(),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var closeChannelCommand = cli.Command{
	Name:      "closechannel",
	Usage:     "stop accepting requests from a friend",
	ArgsUsage: "pubkey",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method: "closechannel",
			PubKey: ctx.Args().First(),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var resetChannelCommand = cli.Command{
	Name:      "resetchannel",
	Usage:     "accept a friend's reset terms and reopen the channel",
	ArgsUsage: "pubkey",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method: "resetchannel",
			PubKey: ctx.Args().First(),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var setFriendAddrCommand = cli.Command{
	Name:      "setfriendaddr",
	Usage:     "update the transport address of a friend",
	ArgsUsage: "pubkey address",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method:  "setfriendaddr",
			PubKey:  ctx.Args().Get(0),
			Address: ctx.Args().Get(1),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}

var sendFundsCommand = cli.Command{
	Name:      "sendfunds",
	Usage:     "send a payment along an explicit route of friends",
	ArgsUsage: "pubkey [pubkey...]",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "amount paid to the destination",
		},
		cli.Uint64Flag{
			Name:  "fee_per_hop",
			Usage: "fee collected by every relay on the route",
		},
		cli.StringFlag{
			Name:  "invoice",
			Usage: "hex encoded invoice id being settled",
		},
	},
	Action: func(ctx *cli.Context) error {
		// A fresh request id identifies this payment end to end.
		var id [16]byte
		if _, err := rand.Read(id[:]); err != nil {
			return err
		}
		requestID := hex.EncodeToString(id[:])

		resp, err := sendRequest(ctx, &ctlRequest{
			Method:      "sendfunds",
			RequestID:   requestID,
			Route:       []string(ctx.Args()),
			DestPayment: ctx.Uint64("amt"),
			FeePerHop:   ctx.Uint64("fee_per_hop"),
			InvoiceID:   ctx.String("invoice"),
		})
		if err != nil {
			return err
		}

		printRespJSON(struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
		}{
			RequestID: requestID,
			Status:    resp.PaymentStatus,
		})
		return nil
	},
}

var payResultCommand = cli.Command{
	Name:      "payresult",
	Usage:     "query the outcome of a previously sent payment",
	ArgsUsage: "request_id",
	Action: func(ctx *cli.Context) error {
		resp, err := sendRequest(ctx, &ctlRequest{
			Method:    "payresult",
			RequestID: ctx.Args().First(),
		})
		if err != nil {
			return err
		}
		printRespJSON(resp)
		return nil
	},
}
