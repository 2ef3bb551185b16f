package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	golog "github.com/ipfs/go-log"
	"github.com/spf13/cobra"

	"github.com/driftfs/driftfs/importer"
	"github.com/driftfs/driftfs/namesys"
	"github.com/driftfs/driftfs/node"
)

var log = golog.Logger("driftfs")

var repoPath string

var root = &cobra.Command{
	Use:   "driftfs",
	Short: "driftfs is a content-addressed, peer-to-peer file system node",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "initialize a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := node.Init(repoPath)
		if err != nil {
			return err
		}
		fmt.Printf("initialized repository at %s\n", repoPath)
		fmt.Printf("peer identity: %s\n", repo.Config().Identity.PeerID)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := node.Open(repoPath)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		n, err := node.New(ctx, repo, node.Options{Online: true})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Close()
		fmt.Printf("daemon running as %s\n", n.Host().ID())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down")
		return nil
	},
}

var (
	addChunker   string
	addHash      string
	addRawLeaves bool
	addTrickle   bool
	addWrap      bool
	addPin       bool
)

var addCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "add a file to the repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			opts := importer.DefaultOptions()
			opts.Chunker = addChunker
			if addHash != "" {
				opts.HashFunc = addHash
			}
			opts.RawLeaves = addRawLeaves
			if addTrickle {
				opts.Layout = importer.LayoutTrickle
			}
			if addWrap {
				opts.Wrap = true
				opts.Name = f.Name()
			}
			res, err := n.AddFile(ctx, f, opts, addPin)
			if err != nil {
				return err
			}
			fmt.Println(res.Cid)
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "write the file at a content path to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			data, err := n.CatFile(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		})
	},
}

var pinRecursive bool

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "manage pinned content",
}

var pinAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "pin a root, guaranteeing local availability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			c, err := n.ResolvePath(ctx, args[0])
			if err != nil {
				return err
			}
			if err := n.Pins().Pin(ctx, c, pinRecursive); err != nil {
				return err
			}
			fmt.Printf("pinned %s\n", c)
			return nil
		})
	},
}

var pinRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "remove a pin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			c, err := n.ResolvePath(ctx, args[0])
			if err != nil {
				return err
			}
			if err := n.Pins().Remove(ctx, c, pinRecursive); err != nil {
				return err
			}
			fmt.Printf("unpinned %s\n", c)
			return nil
		})
	},
}

var pinLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "list pins",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			entries, err := n.Pins().Ls(nil)
			if err != nil {
				return err
			}
			for _, e := range entries {
				kind := "direct"
				if e.Kind == 1 {
					kind = "recursive"
				}
				fmt.Printf("%s %s\n", e.Cid, kind)
			}
			return nil
		})
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "remove blocks not protected by a pin",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			removed, err := n.Pins().GC(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d blocks\n", len(removed))
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <cid> [cid...]",
	Short: "export DAGs as a car archive on stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			return n.ExportArchive(ctx, args, os.Stdout)
		})
	},
}

var importPin bool

var importCmd = &cobra.Command{
	Use:   "import <file.car>",
	Short: "import a car archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			roots, err := n.ImportArchive(ctx, f, importPin)
			if err != nil {
				return err
			}
			for _, r := range roots {
				fmt.Println(r)
			}
			return nil
		})
	},
}

var (
	publishKey      string
	publishLifetime time.Duration
	resolveNoCache  bool
)

var nameCmd = &cobra.Command{
	Use:   "name",
	Short: "publish and resolve mutable names",
}

var namePublishCmd = &cobra.Command{
	Use:   "publish <path>",
	Short: "publish a content path under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOnlineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			res, err := n.Names().Publish(ctx, publishKey, args[0], publishLifetime)
			if err != nil {
				return err
			}
			fmt.Printf("published %s -> %s\n", res.Name, res.Value)
			return nil
		})
	},
}

var nameResolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "resolve a name to a content path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOnlineNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			value, err := n.Names().Resolve(ctx, args[0], namesys.ResolveOptions{
				Recursive: true,
				NoCache:   resolveNoCache,
			})
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "bring the repository to this build's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := node.Migrate(repoPath); err != nil {
			return err
		}
		fmt.Println("repository migrated")
		return nil
	},
}

func withOfflineNode(ctx context.Context, fn func(context.Context, *node.Node) error) error {
	return withNode(ctx, node.Options{Online: false}, fn)
}

func withOnlineNode(ctx context.Context, fn func(context.Context, *node.Node) error) error {
	return withNode(ctx, node.Options{Online: true}, fn)
}

func withNode(ctx context.Context, opts node.Options, fn func(context.Context, *node.Node) error) error {
	repo, err := node.Open(repoPath)
	if err != nil {
		return err
	}
	n, err := node.New(ctx, repo, opts)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func defaultRepoPath() string {
	if p := os.Getenv("DRIFTFS_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".driftfs"
	}
	return home + "/.driftfs"
}

func init() {
	root.PersistentFlags().StringVar(&repoPath, "repo", defaultRepoPath(), "repository path")

	addCmd.Flags().StringVar(&addChunker, "chunker", "", "chunker token, e.g. size-262144")
	addCmd.Flags().StringVar(&addHash, "hash", "", "multihash name, e.g. blake2b-256")
	addCmd.Flags().BoolVar(&addRawLeaves, "raw-leaves", false, "store leaves as raw blocks")
	addCmd.Flags().BoolVar(&addTrickle, "trickle", false, "use the trickle layout")
	addCmd.Flags().BoolVarP(&addWrap, "wrap", "w", false, "wrap the file in a directory")
	addCmd.Flags().BoolVar(&addPin, "pin", false, "pin the root recursively")

	pinAddCmd.Flags().BoolVarP(&pinRecursive, "recursive", "r", true, "pin the whole DAG")
	pinRmCmd.Flags().BoolVarP(&pinRecursive, "recursive", "r", true, "unpin the whole DAG")
	pinCmd.AddCommand(pinAddCmd, pinRmCmd, pinLsCmd)

	importCmd.Flags().BoolVar(&importPin, "pin", false, "pin imported roots")

	namePublishCmd.Flags().StringVar(&publishKey, "key", namesys.SelfKeyName, "key name to publish under")
	namePublishCmd.Flags().DurationVar(&publishLifetime, "lifetime", namesys.DefaultRecordLifetime, "record validity window")
	nameResolveCmd.Flags().BoolVar(&resolveNoCache, "nocache", false, "bypass the resolve cache")
	nameCmd.AddCommand(namePublishCmd, nameResolveCmd)

	root.AddCommand(initCmd, daemonCmd, addCmd, catCmd, pinCmd, gcCmd, exportCmd, importCmd, nameCmd, migrateCmd)
}

func main() {
	if err := root.Execute(); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
