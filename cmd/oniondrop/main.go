package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/oniondrop/onionDrop/pkg/crypto"
	"github.com/oniondrop/onionDrop/pkg/discovery"
	"github.com/oniondrop/onionDrop/pkg/onion"
	"github.com/oniondrop/onionDrop/pkg/staging"
	"github.com/oniondrop/onionDrop/pkg/ui"
	"github.com/oniondrop/onionDrop/pkg/web"
)

type flags struct {
	port           int
	public         bool
	title          string
	localDiscovery bool
	autostopTimer  time.Duration
	autostartTimer time.Duration
	identityFile   string
	clientAuth     bool
	wildcardMarker string

	autostopSharing bool
	individualFiles bool

	dataDir      string
	disableText  bool
	disableFiles bool

	disableCSP bool
	customCSP  string
}

func main() {
	f, _ := os.OpenFile("debug.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close log file", "error", err)
		}
	}()
	log.SetOutput(f)
	slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))

	var fl flags
	root := &cobra.Command{
		Use:   "oniondrop",
		Short: "Share files, receive files, publish a site, or chat over an anonymity network",
	}
	root.PersistentFlags().IntVar(&fl.port, "port", 0, "Local port to listen on (0 for random)")
	root.PersistentFlags().BoolVar(&fl.public, "public", false, "Disable the password gate")
	root.PersistentFlags().StringVar(&fl.title, "title", "", "Title shown on served pages")
	root.PersistentFlags().BoolVar(&fl.localDiscovery, "local-discovery", false, "Announce the server on the local network over mDNS")
	root.PersistentFlags().DurationVar(&fl.autostopTimer, "autostop-timer", 0, "Stop the server after this duration")
	root.PersistentFlags().DurationVar(&fl.autostartTimer, "autostart-timer", 0, "Delay starting the server by this duration")
	root.PersistentFlags().StringVar(&fl.identityFile, "persistent", "", "Keep a stable service address using the identity key at this path")
	root.PersistentFlags().BoolVar(&fl.clientAuth, "client-auth", false, "Generate a client authorization key for one visitor")
	root.PersistentFlags().StringVar(&fl.wildcardMarker, "wildcard-marker", web.DefaultWildcardMarkerPath, "Bind all interfaces when this file exists")

	shareCmd := &cobra.Command{
		Use:   "share PATH...",
		Short: "Share files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := web.New(web.Options{
				Mode:                   web.ModeShare,
				Public:                 fl.public,
				Title:                  fl.title,
				AutostopSharing:        fl.autostopSharing,
				IndividualFileBrowsing: fl.individualFiles,
				WildcardMarkerPath:     fl.wildcardMarker,
			})
			if err != nil {
				return err
			}
			fmt.Println("Compressing files.")
			manifest, err := staging.NewStager().Stage(args, staging.Options{
				Stop: srv.StopFlag(),
			})
			if err != nil {
				return err
			}
			for _, skipped := range manifest.Skipped {
				fmt.Fprintf(os.Stderr, "warning: skipping unreadable path %s\n", skipped)
			}
			srv.SetManifest(manifest)
			return runServer(srv, fl)
		},
	}
	shareCmd.Flags().BoolVar(&fl.autostopSharing, "autostop-sharing", true, "Stop after the first full download")
	shareCmd.Flags().BoolVar(&fl.individualFiles, "individual-files", false, "Allow browsing and downloading individual files")

	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive files from visitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fl.dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				fl.dataDir = home + "/OnionDrop"
			}
			srv, err := web.New(web.Options{
				Mode:               web.ModeReceive,
				Public:             fl.public,
				Title:              fl.title,
				DataRoot:           fl.dataDir,
				DisableText:        fl.disableText,
				DisableFiles:       fl.disableFiles,
				WildcardMarkerPath: fl.wildcardMarker,
			})
			if err != nil {
				return err
			}
			return runServer(srv, fl)
		},
	}
	receiveCmd.Flags().StringVar(&fl.dataDir, "data-dir", "", "Directory to save received files into")
	receiveCmd.Flags().BoolVar(&fl.disableText, "disable-text", false, "Reject text messages")
	receiveCmd.Flags().BoolVar(&fl.disableFiles, "disable-files", false, "Reject file uploads")

	websiteCmd := &cobra.Command{
		Use:   "website PATH",
		Short: "Publish a static site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := web.New(web.Options{
				Mode:               web.ModeWebsite,
				Public:             fl.public,
				Title:              fl.title,
				DisableCSP:         fl.disableCSP,
				CustomCSP:          fl.customCSP,
				WildcardMarkerPath: fl.wildcardMarker,
			})
			if err != nil {
				return err
			}
			manifest, err := staging.NewStager().Stage(args, staging.Options{
				Stop: srv.StopFlag(),
			})
			if err != nil {
				return err
			}
			srv.SetManifest(manifest)
			return runServer(srv, fl)
		},
	}
	websiteCmd.Flags().BoolVar(&fl.disableCSP, "disable-csp", false, "Do not send a Content-Security-Policy header")
	websiteCmd.Flags().StringVar(&fl.customCSP, "custom-csp", "", "Replace the default Content-Security-Policy")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Host an anonymous chat room",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := web.New(web.Options{
				Mode:               web.ModeChat,
				Public:             fl.public,
				Title:              fl.title,
				WildcardMarkerPath: fl.wildcardMarker,
			})
			if err != nil {
				return err
			}
			return runServer(srv, fl)
		},
	}

	root.AddCommand(shareCmd, receiveCmd, websiteCmd, chatCmd)

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}

// runServer wires a constructed server to the onion boundary, optional LAN
// discovery, and the polling controller UI.
func runServer(srv *web.Server, fl flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var svc onion.Service = onion.LocalService{}
	defer svc.Close()

	start := func() (string, error) {
		port, err := srv.Start(fl.port)
		if err != nil {
			return "", err
		}
		addr, err := svc.Publish(ctx, port)
		if err != nil {
			return "", err
		}
		if fl.localDiscovery {
			go func() {
				err := discovery.MDNSAnnouncer{}.Announce(ctx, discovery.Announcement{
					Name: "oniondrop",
					Mode: srv.Mode().String(),
					Port: port,
				})
				if err != nil {
					slog.Warn("mDNS announcement failed", "error", err)
				}
			}()
		}
		return string(addr), nil
	}

	cfg := ui.Config{
		Server: srv,
		Title:  title(fl),
		Start:  start,
	}
	if fl.identityFile != "" {
		id, err := crypto.LoadOrCreateServiceIdentity(fl.identityFile)
		if err != nil {
			return fmt.Errorf("loading service identity: %w", err)
		}
		cfg.OnionAddress = id.OnionAddress()
		slog.Info("Loaded service identity", "address", cfg.OnionAddress)
	}
	if fl.clientAuth {
		kp, err := crypto.GenerateClientAuthKeyPair()
		if err != nil {
			return fmt.Errorf("generating client auth key: %w", err)
		}
		cfg.ClientAuthKey = kp.PrivateString()
	}
	now := time.Now()
	if fl.autostartTimer > 0 {
		cfg.AutostartAt = now.Add(fl.autostartTimer)
	}
	if fl.autostopTimer > 0 {
		cfg.AutostopAt = now.Add(fl.autostopTimer)
	}

	p := tea.NewProgram(ui.NewModel(cfg))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running controller: %w", err)
	}
	return nil
}

func title(fl flags) string {
	if fl.title != "" {
		return fl.title
	}
	return "OnionDrop"
}
