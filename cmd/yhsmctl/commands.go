package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/object"
)

var echoCmd = &cobra.Command{
	Use:   "echo <text>",
	Short: "Round-trip text through the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		resp, err := sess.SendCommand(ctx, command.Echo([]byte(args[0])))
		if err != nil {
			return err
		}
		echoResp := resp.(command.EchoResponse)
		fmt.Println(string(echoResp.Data))
		return nil
	},
}

var randomCmd = &cobra.Command{
	Use:   "random <n-bytes>",
	Short: "Request n pseudo-random bytes from the device, hex-encoded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var n uint16
		if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
			return fmt.Errorf("yhsmctl: invalid byte count %q", args[0])
		}

		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		resp, err := sess.SendCommand(ctx, command.GetPseudoRandom(n))
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(resp.(command.BytesResponse).Data))
		return nil
	},
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key <id> <label>",
	Short: "Generate an ed25519 asymmetric key at the given object id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint16
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("yhsmctl: invalid object id %q", args[0])
		}
		label, err := object.NewLabel(args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		req := command.GenerateAsymmetricKey(
			object.ID(id), label, object.Domain(1),
			object.Capabilities(^uint64(0)), object.AlgorithmEd25519,
		)
		resp, err := sess.SendCommand(ctx, req)
		if err != nil {
			return err
		}
		slog.Info("generated key", "id", resp.(command.KeyIDResponse).ID)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <id> <message>",
	Short: "Sign message with the ed25519 key at id and verify the result locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint16
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("yhsmctl: invalid object id %q", args[0])
		}
		msg := []byte(args[1])

		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		sigResp, err := sess.SendCommand(ctx, command.SignDataEddsa(object.ID(id), msg))
		if err != nil {
			return err
		}
		sig := sigResp.(command.SignatureResponse).Signature

		pubResp, err := sess.SendCommand(ctx, command.GetPubKey(object.ID(id)))
		if err != nil {
			return err
		}
		pub := pubResp.(command.GetPubKeyResponse)

		ok := ed25519.Verify(ed25519.PublicKey(pub.KeyData), msg, sig)
		fmt.Printf("signature: %s\nverified: %v\n", hex.EncodeToString(sig), ok)
		return nil
	},
}

var deviceInfoCmd = &cobra.Command{
	Use:   "device-info",
	Short: "Print the transport-reported serial number and message count; firmware version is not queried",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close(ctx)

		fmt.Printf("serial: %s\nmessages sent: %d\n", sess.SerialNumber(), sess.MessageCount())
		return nil
	},
}
