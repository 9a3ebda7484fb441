// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmdline2

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// defaultWidth is a reasonable default for the output width in runes.
const defaultWidth = 80

// helpRunner is a Runner that implements the "help" functionality.  Help is
// requested for the last command in rootPath, which must not be empty.
type helpRunner struct {
	rootPath []*Command
	width    int
}

func makeHelpRunner(path []*Command, env *Env, globals *flag.FlagSet) helpRunner {
	globalFlags = globals
	return helpRunner{path, env.width()}
}

// Run implements the Runner interface method.
func (h helpRunner) Run(env *Env, args []string) error {
	return runHelp(env.Stdout, env.Stderr, args, h.rootPath, h.width)
}

// usageFunc is used as the implementation of the Env.Usage function.
func (h helpRunner) usageFunc(w io.Writer) {
	usage(w, h.rootPath, h.width, true)
}

const helpName = "help"

// newCommand returns a new help command that uses h as its Runner.
func (h helpRunner) newCommand() *Command {
	help := &Command{
		Runner: h,
		Name:   helpName,
		Short:  "Display help for commands or topics",
		Long: `
Help with no args displays the usage of the parent command.

Help with args displays the usage of the specified sub-command or help topic.

"help ..." recursively displays help for all commands and topics.
`,
		ArgsName: "[command/topic ...]",
		ArgsLong: `
[command/topic ...] optionally identifies a specific sub-command or help topic.
`,
	}
	help.Flags.IntVar(&h.width, "width", h.width, `
Format output to this target width in runes. Override the default by
setting the CMDLINE_WIDTH environment variable.
`)
	cleanTree([]*Command{help})
	return help
}

// runHelp implements the run-time behavior of the help command.
func runHelp(w io.Writer, stderr io.Writer, args []string, path []*Command, width int) error {
	if len(args) == 0 {
		usage(w, path, width, true)
		return nil
	}
	if args[0] == "..." {
		usageAll(w, path, width, true)
		return nil
	}
	// Look for matching children.
	cmd, subName, subArgs := path[len(path)-1], args[0], args[1:]
	for _, child := range cmd.Children {
		if child.Name == subName {
			return runHelp(w, stderr, subArgs, append(path, child), width)
		}
	}
	if helpName == subName {
		help := helpRunner{path, width}.newCommand()
		return runHelp(w, stderr, subArgs, append(path, help), width)
	}
	// Look for matching topic.
	for _, topic := range cmd.Topics {
		if topic.Name == subName {
			fmt.Fprintln(w, topic.Long)
			return nil
		}
	}
	fn := helpRunner{path, width}.usageFunc
	return usageErrorf(stderr, fn, "%s: unknown command or topic %q", pathName(path), subName)
}

// usageAll prints usage recursively via DFS from the path onward.
func usageAll(w io.Writer, path []*Command, width int, firstCall bool) {
	cmd, cmdPath := path[len(path)-1], pathName(path)
	if !firstCall {
		lineBreak(w, width)
		fmt.Fprintln(w, cmdPath)
		fmt.Fprintln(w)
	}
	usage(w, path, width, firstCall)
	for _, child := range cmd.Children {
		usageAll(w, append(path, child), width, false)
	}
	if firstCall && needsHelpChild(cmd) {
		help := helpRunner{path, width}.newCommand()
		usageAll(w, append(path, help), width, false)
	}
	for _, topic := range cmd.Topics {
		lineBreak(w, width)
		fmt.Fprintln(w, cmdPath+" "+topic.Name+" - help topic")
		fmt.Fprintln(w)
		fmt.Fprintln(w, topic.Long)
	}
}

func lineBreak(w io.Writer, width int) {
	if width <= 0 {
		width = defaultWidth
	}
	fmt.Fprintln(w, strings.Repeat("=", width))
}

// needsHelpChild returns true if cmd needs a default help command to be
// appended to its children.  Every command that has children and doesn't
// already have a "help" command needs a help child.
func needsHelpChild(cmd *Command) bool {
	for _, child := range cmd.Children {
		if child.Name == helpName {
			return false
		}
	}
	return len(cmd.Children) > 0
}

// usage prints the usage of the last command in path to w.  The bool
// firstCall is set to false when printing usage for multiple commands, and
// is used to avoid printing redundant information (e.g. help command,
// global flags).
func usage(w io.Writer, path []*Command, width int, firstCall bool) {
	cmd, cmdPath := path[len(path)-1], pathName(path)
	children := cmd.Children
	if firstCall && needsHelpChild(cmd) {
		help := helpRunner{path, width}.newCommand()
		children = append(children, help)
	}
	fmt.Fprintln(w, cmd.Long)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	cmdPathF := "   " + cmdPath
	if countFlags(&cmd.Flags) > 0 {
		cmdPathF += " [flags]"
	}
	if cmd.Runner != nil {
		if cmd.ArgsName != "" {
			fmt.Fprintln(w, cmdPathF, cmd.ArgsName)
		} else {
			fmt.Fprintln(w, cmdPathF)
		}
	}
	if len(children) > 0 {
		fmt.Fprintln(w, cmdPathF, "<command>")
	}
	const minNameWidth = 11
	if len(children) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "The", cmdPath, "commands are:")
		nameWidth := minNameWidth
		for _, child := range children {
			if len(child.Name) > nameWidth {
				nameWidth = len(child.Name)
			}
		}
		for _, child := range children {
			fmt.Fprintf(w, "   %-[1]*[2]s %[3]s\n", nameWidth, child.Name, child.Short)
		}
		if firstCall {
			fmt.Fprintf(w, "Run \"%s help [command]\" for command usage.\n", cmdPath)
		}
	}
	if cmd.Runner != nil && cmd.ArgsLong != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, cmd.ArgsLong)
	}
	if len(cmd.Topics) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "The", cmdPath, "additional help topics are:")
		nameWidth := minNameWidth
		for _, topic := range cmd.Topics {
			if len(topic.Name) > nameWidth {
				nameWidth = len(topic.Name)
			}
		}
		for _, topic := range cmd.Topics {
			fmt.Fprintf(w, "   %-[1]*[2]s %[3]s\n", nameWidth, topic.Name, topic.Short)
		}
		if firstCall {
			fmt.Fprintf(w, "Run \"%s help [topic]\" for topic details.\n", cmdPath)
		}
	}
	flagsUsage(w, path, firstCall)
}

func flagsUsage(w io.Writer, path []*Command, firstCall bool) {
	cmd, cmdPath := path[len(path)-1], pathName(path)
	if countFlags(&cmd.Flags) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "The", cmdPath, "flags are:")
		printFlags(w, &cmd.Flags)
	}
	if !firstCall || globalFlags == nil {
		return
	}
	if countFlags(globalFlags) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "The global flags are:")
		printFlags(w, globalFlags)
	}
}

func countFlags(flags *flag.FlagSet) (num int) {
	flags.VisitAll(func(f *flag.Flag) { num++ })
	return
}

// printFlags writes each flag's name/value line directly, then indents
// every line of its (possibly multi-paragraph) usage string underneath it,
// so a usage description spanning several lines still reads as one entry.
func printFlags(w io.Writer, flags *flag.FlagSet) {
	flags.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(w, " -%s=%v\n", f.Name, f.Value.String())
		for _, line := range strings.Split(strings.TrimSpace(f.Usage), "\n") {
			fmt.Fprintf(w, "   %s\n", line)
		}
	})
}

// globalFlags is set by makeHelpRunner to the flag.FlagSet that was merged
// in as the command tree's global flags (flag.CommandLine, by default), so
// help output for the root command can list them.
var globalFlags *flag.FlagSet
