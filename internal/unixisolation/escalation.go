package unixisolation

import (
	"sort"
	"strings"

	"github.com/agor/agor/internal/command"
)

// shellQuote single-quote-escapes value for safe interpolation into a
// shell -c string: wrap in '...' and replace each inner ' with '\''.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// RunAsUser builds the spec for running binary as username via
// `sudo -n -u <user> <binary> <args…>`. Use this ONLY when the command does
// not depend on group memberships granted to username after the daemon's
// own process started; sudo -u preserves the caller's cached group set, not
// a freshly read one — see RunAsUserWithFreshGroups for that case (C2-FG).
func RunAsUser(username, binary string, args []string) command.Spec {
	return command.Spec{
		Name: "sudo",
		Args: append([]string{"-n", "-u", username, binary}, args...),
	}
}

// RunAsUserWithFreshGroups builds the `su - <user> -c "env VAR='…' …
// <binary> <args…>"` part of the login-shell escalation
// `sudo -n su - <user> -c …` (C2-FG); the returned Spec does not include the
// `sudo -n` prefix, which the caller adds (pool.BuildSpawnArgs does).
//
// This form, not `sudo -u`, is required whenever the daemon has just
// granted username a new group membership (AddUserToGroup) and needs the
// very next command it runs as that user to observe it: Unix group caches
// are tied to the caller's login session, and only a fresh login shell
// (su -) forces /etc/group to be re-read. sudo -u inherits the daemon's
// already-resolved group set instead.
//
// Environment variables are prepended via `env VAR='val' …` inside the -c
// string because login shells started by su - strip the inherited
// environment; args and env values are single-quote-escaped individually.
func RunAsUserWithFreshGroups(username, binary string, args []string, env map[string]string) command.Spec {
	var b strings.Builder

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("env ")
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(shellQuote(env[k]))
			b.WriteString(" ")
		}
	}

	b.WriteString(shellQuote(binary))
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(shellQuote(a))
	}

	return command.Spec{
		Name: "su",
		Args: []string{"-", username, "-c", b.String()},
	}
}
