package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli"
)

const defaultCtlAddr = "localhost:9581"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[fundercli] %v\n", err)
	os.Exit(1)
}

// sendRequest dials the daemon's control socket, sends one request line
// and decodes the answer.
func sendRequest(ctx *cli.Context, req *ctlRequest) (*ctlResponse, error) {
	conn, err := net.Dial("tcp", ctx.GlobalString("ctladdr"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	reqBytes = append(reqBytes, '\n')
	if _, err := conn.Write(reqBytes); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return nil, fmt.Errorf("connection closed by daemon")
	}

	var resp ctlResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%v", resp.Error)
	}

	return &resp, nil
}

// printRespJSON renders a response as indented JSON.
func printRespJSON(resp interface{}) {
	out, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func main() {
	app := cli.NewApp()
	app.Name = "fundercli"
	app.Usage = "control plane for your funder daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "ctladdr",
			Value: defaultCtlAddr,
			Usage: "address of funderd's control socket",
		},
	}
	app.Commands = []cli.Command{
		listFriendsCommand,
		addFriendCommand,
		removeFriendCommand,
		setFriendStatusCommand,
		setMaxDebtCommand,
		openChannelCommand,
		closeChannelCommand,
		resetChannelCommand,
		setFriendAddrCommand,
		sendFundsCommand,
		payResultCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
