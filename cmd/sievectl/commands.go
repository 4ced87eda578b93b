package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/migadu/managesieve/logger"
	"github.com/migadu/managesieve/managesieve"
	"github.com/migadu/managesieve/scripts"
)

func newInfoCmd(opts *globalOptions) *cobra.Command {
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the server capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), !noAuth, func(c *managesieve.Client) error {
				printCapabilities(cmd.OutOrStdout(), c)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Show the capabilities offered before authentication")
	return cmd
}

func printCapabilities(out io.Writer, c *managesieve.Client) {
	caps := c.Capabilities()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Implementation:\t%s\n", caps.Implementation)
	if caps.Version != nil {
		fmt.Fprintf(w, "Version:\t%s\n", caps.Version)
	}
	fmt.Fprintf(w, "TLS:\t%t\n", c.TLSActive())
	fmt.Fprintf(w, "SASL:\t%s\n", strings.Join(caps.SASL, " "))
	fmt.Fprintf(w, "Sieve:\t%s\n", strings.Join(caps.Sieve, " "))
	if len(caps.Notify) > 0 {
		fmt.Fprintf(w, "Notify:\t%s\n", strings.Join(caps.Notify, " "))
	}
	if caps.MaxRedirects != nil {
		fmt.Fprintf(w, "Max redirects:\t%d\n", *caps.MaxRedirects)
	}
	if caps.Owner != "" {
		fmt.Fprintf(w, "Owner:\t%s\n", caps.Owner)
	}
	if caps.Language != "" {
		fmt.Fprintf(w, "Language:\t%s\n", caps.Language)
	}
	if err := caps.Validate(); err != nil {
		fmt.Fprintf(w, "Warning:\t%v\n", err)
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				entries, err := c.ListScripts(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No scripts.")
					return nil
				}
				for _, e := range entries {
					if e.Active {
						fmt.Fprintf(out, "%s (active)\n", e.Name)
					} else {
						fmt.Fprintln(out, e.Name)
					}
				}
				return nil
			})
		},
	}
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Download a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				content, err := c.GetScript(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(content)
					return err
				}
				if err := os.WriteFile(output, content, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the script to this file instead of stdout")
	return cmd
}

func newPutCmd(opts *globalOptions) *cobra.Command {
	var (
		name     string
		activate bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Upload a script",
		Long: `Upload a script

The script name defaults to the file name without ".sieve". The script is
checked locally first, against the extensions both sides support. An
upload is skipped when the server already holds identical content.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = scripts.NameFromPath(args[0])
			}
			if err := managesieve.ValidScriptName(name); err != nil {
				return err
			}

			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				if opts.cfg.Sieve.CheckLocally {
					if err := checkLocally(opts, c, content); err != nil {
						return err
					}
				}
				if err := upload(cmd, c, name, content, force); err != nil {
					return err
				}
				if activate {
					if err := c.SetActive(cmd.Context(), name); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Activated %s\n", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Script name on the server")
	cmd.Flags().BoolVarP(&activate, "activate", "a", false, "Make the script active after uploading")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Upload even if the server copy is identical")
	return cmd
}

// checkLocally parses content with the extensions enabled locally that the
// server also advertises.
func checkLocally(opts *globalOptions, c *managesieve.Client, content []byte) error {
	local := opts.cfg.Sieve.Extensions
	if len(local) == 0 {
		local = scripts.SupportedExtensions
	}
	extensions := scripts.Intersect(local, c.Capabilities().Sieve)
	if len(extensions) == 0 {
		// Nothing in common, or the server advertises nothing we know.
		extensions = local
	}
	if err := scripts.Check(content, extensions); err != nil {
		return err
	}
	logger.Debug("Script passed local check", "extensions", len(extensions))
	return nil
}

func upload(cmd *cobra.Command, c *managesieve.Client, name string, content []byte, force bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if !force {
		remote, err := c.GetScript(ctx, name)
		var serverErr *managesieve.ServerError
		switch {
		case err == nil:
			if scripts.Same(remote, content) {
				fmt.Fprintf(out, "Unchanged %s (%s)\n", name, scripts.Digest(content))
				return nil
			}
		case errors.As(err, &serverErr) && serverErr.HasCode(managesieve.CodeNonexistent):
		case errors.As(err, &serverErr):
			// Some servers answer NO without a code for a missing script.
			logger.Debug("Could not fetch existing script", "name", name, "error", err)
		default:
			return err
		}
	}

	space, err := c.HaveSpace(ctx, name, uint64(len(content)))
	if err != nil {
		return err
	}
	if !space.Available {
		return fmt.Errorf("no space for %s (%d bytes): %s", name, len(content), quotaText(space))
	}

	warnings, err := c.PutScript(ctx, name, content)
	if err != nil {
		return err
	}
	if warnings != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", warnings)
	}
	fmt.Fprintf(out, "Uploaded %s (%d bytes)\n", name, len(content))
	return nil
}

func quotaText(space *managesieve.SpaceResult) string {
	if space.Text != "" {
		return space.Text
	}
	return space.Code.String()
}

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a script without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if localOnly {
				if err := scripts.Check(content, opts.cfg.Sieve.Extensions); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			}
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				warnings, err := c.CheckScript(cmd.Context(), content)
				if err != nil {
					return err
				}
				if warnings != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "OK with warnings: %s\n", warnings)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local", false, "Only run the local parser, do not contact the server")
	return cmd
}

func newActivateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate NAME",
		Short: "Make a script the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				return c.SetActive(cmd.Context(), args[0])
			})
		},
	}
}

func newDeactivateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Leave no script active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				return c.Deactivate(cmd.Context())
			})
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				err := c.DeleteScript(cmd.Context(), args[0])
				var serverErr *managesieve.ServerError
				if errors.As(err, &serverErr) && serverErr.HasCode(managesieve.CodeActive) {
					return fmt.Errorf("%s is the active script; run deactivate first", args[0])
				}
				return err
			})
		},
	}
}

func newRenameCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a script",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				return c.RenameScript(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newHaveSpaceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "havespace NAME SIZE",
		Short: "Ask whether a script of SIZE bytes would fit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}
			return opts.withClient(cmd.Context(), true, func(c *managesieve.Client) error {
				space, err := c.HaveSpace(cmd.Context(), args[0], size)
				if err != nil {
					return err
				}
				if space.Available {
					fmt.Fprintln(cmd.OutOrStdout(), "Yes")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No: %s\n", quotaText(space))
				return nil
			})
		},
	}
}
