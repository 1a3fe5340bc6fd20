package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/cachesvc"
	"github.com/fontbakery/dashcache/pkg/rpc"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

func dial() (*grpc.ClientConn, error) {
	addr := viper.GetString("addr")
	if addr == "" {
		return nil, errors.New("--addr is required")
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func clientContext(ctx context.Context) context.Context {
	if key := viper.GetString("api_key"); key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-api-key", key)
	}
	return ctx
}

func withCacheClient(cmd *cobra.Command, fn func(context.Context, rpc.CacheClient) error) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(clientContext(cmd.Context()), rpc.NewCacheClient(conn))
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <namespace> <content-type>",
		Short: "Upload stdin as a cache item and print its key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCacheClient(cmd, func(ctx context.Context, client rpc.CacheClient) error {
				key, err := upload(ctx, client, args[0], args[1], cmd.InOrStdin(), viper.GetInt("chunk_size"))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key.String())
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Write a cache item to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := blob.ParseKey(args[0])
			if err != nil {
				return err
			}
			return withCacheClient(cmd, func(ctx context.Context, client rpc.CacheClient) error {
				payload, err := client.Get(ctx, rpc.NewCacheKey(key))
				if err != nil {
					return rpc.FromStatus(err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "content-type: %s\n", payload.TypeURL)
				_, err = cmd.OutOrStdout().Write(payload.Value)
				return err
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <key>",
		Short: "Remove a cache item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := blob.ParseKey(args[0])
			if err != nil {
				return err
			}
			return withCacheClient(cmd, func(ctx context.Context, client rpc.CacheClient) error {
				st, err := client.Purge(ctx, rpc.NewCacheKey(key))
				if err != nil {
					return rpc.FromStatus(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), st.Status)
				return nil
			})
		},
	}
}

func newPokeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "poke <collection>",
		Short: "Ask the Manifest service to check a collection now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			resp, err := rpc.NewManifestClient(conn).Poke(clientContext(cmd.Context()), &rpc.PokeRequest{Collection: args[0], Force: force})
			if err != nil {
				return rpc.FromStatus(err)
			}
			printPoke(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-commit families even when unchanged")
	return cmd
}

// upload streams r as one cache item split into chunkSize pieces.
func upload(ctx context.Context, client rpc.CacheClient, namespace, contentType string, r io.Reader, chunkSize int) (blob.Key, error) {
	stream, err := client.Put(ctx)
	if err != nil {
		return blob.Key{}, rpc.FromStatus(err)
	}
	chunks := cachesvc.NewReaderStream(namespace, contentType, r, chunkSize)
	for {
		item, err := chunks.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = stream.CloseSend()
			return blob.Key{}, err
		}
		msg := &rpc.CacheItem{
			Namespace:   item.Namespace,
			ContentType: item.ContentType,
			Payload:     item.Payload,
			Last:        item.Last,
		}
		if err := stream.Send(msg); err != nil {
			// The server ended the call; its status arrives on receive.
			break
		}
	}
	reply, err := stream.CloseAndRecv()
	if err != nil {
		err = rpc.FromStatus(err)
		if xerrors.Is(err, xerrors.KindInvalid) {
			return blob.Key{}, xerrors.Wrap(xerrors.KindInvalidStream, "upload", namespace, err)
		}
		return blob.Key{}, err
	}
	return reply.Key()
}

func printPoke(w io.Writer, resp *rpc.GenericResponse) {
	fmt.Fprintln(w, resp.Status)
	if resp.Message != "" {
		fmt.Fprintln(w, resp.Message)
	}
	for _, ch := range resp.Changes {
		fmt.Fprintf(w, "%d\t%s/%s\t%s\t%s\n", ch.Seq, ch.Collection, ch.Family, ch.Fingerprint, ch.SnapshotKey)
	}
	for _, r := range resp.Reports {
		if r.Message != "" {
			fmt.Fprintf(w, "%s\t%v\t%s\n", r.Family, r.Status, r.Message)
		} else {
			fmt.Fprintf(w, "%s\t%v\n", r.Family, r.Status)
		}
	}
}

