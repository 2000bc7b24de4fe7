package safety

import (
	"log/slog"
	"regexp"
)

// rule pairs a named pattern with its compiled regex. Names show up in
// audit records and verdict reasons; the raw command text does not.
type rule struct {
	name    string
	pattern string
}

type compiledRule struct {
	Name  string
	Regex *regexp.Regexp
}

// denyRules are always rejected. A plan containing any match cannot proceed.
var denyRules = []rule{
	// Root-level recursive deletes, all flag orderings.
	{"rm_root", `rm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?(-[a-zA-Z]*f[a-zA-Z]*\s+)?/(\s|$)`},
	{"rm_root_glob", `rm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?(-[a-zA-Z]*f[a-zA-Z]*\s+)?/\*`},
	{"rm_home", `rm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?(-[a-zA-Z]*f[a-zA-Z]*\s+)?~(/)?(\s|$)`},
	{"rm_home_var", `rm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?(-[a-zA-Z]*f[a-zA-Z]*\s+)?\$(\{)?HOME(\})?`},
	{"rm_no_preserve_root", `rm\s+--no-preserve-root`},
	// Filesystem formatters and raw device writes.
	{"mkfs", `(^|\s)mkfs(\.[a-z0-9]+)?(\s|$)`},
	{"dd_device", `dd\s+.*(if|of)=/dev/`},
	{"write_raw_disk", `>\s*/dev/(sd|nvme|hd)`},
	// Fork bombs.
	{"fork_bomb", `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`},
	// Dangerous ownership/permission sweeps.
	{"chmod_root", `chmod\s+(-[a-zA-Z]+\s+)?777\s+/(\s|$)`},
	{"chown_root", `chown\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?root\s+/(\s|$)`},
	// Piped execution of remote payloads.
	{"pipe_to_shell", `(curl|wget)\s+[^|]*\|\s*(sh|bash|zsh)(\s|$)`},
	// Privileged variants of the above.
	{"sudo_rm_root", `sudo\s+rm\s+(-[a-zA-Z]*r[a-zA-Z]*\s+)?(-[a-zA-Z]*f[a-zA-Z]*\s+)?/`},
	{"sudo_dd", `sudo\s+dd\s+`},
	{"sudo_mkfs", `sudo\s+mkfs`},
	// Sensitive credential files.
	{"etc_shadow", `/etc/shadow`},
	{"etc_passwd_write", `>\s*/etc/passwd|tee\s+(-a\s+)?/etc/passwd`},
	{"etc_sudoers", `/etc/sudoers`},
	{"root_ssh", `/root/\.ssh`},
	// Network lock-outs.
	{"iptables_flush", `iptables\s+(-[a-zA-Z]+\s+)*(-F|--flush)`},
	{"ufw_disable", `ufw\s+disable`},
	{"stop_ssh", `systemctl\s+(stop|disable)\s+ssh(d)?(\s|$)`},
	// Environment hijacking.
	{"ld_preload", `export\s+LD_PRELOAD`},
	{"path_hijack", `export\s+PATH=`},
	// History tampering.
	{"history_clear", `history\s+-c`},
	{"histfile_unset", `unset\s+HISTFILE`},
	// Reverse shells.
	{"netcat_exec", `(^|\s)(nc|ncat|netcat)\s+(-[a-zA-Z]+\s+)*-e(\s|$)`},
	{"dev_tcp", `/dev/(tcp|udp)/`},
}

// approvalRules are allowed but force requires_approval on the plan.
var approvalRules = []rule{
	// System control.
	{"reboot", `(^|\s)(reboot|shutdown|halt|poweroff)(\s|$)`},
	{"init_level", `(^|\s)init\s+[0-6](\s|$)`},
	// Service management.
	{"systemctl_mutate", `systemctl\s+(restart|stop|disable|enable|mask)\s`},
	{"service_mutate", `service\s+\S+\s+(restart|stop|start)(\s|$)`},
	// Package management.
	{"apt", `apt(-get)?\s+(install|remove|purge|upgrade|dist-upgrade|autoremove)`},
	{"yum_dnf", `(yum|dnf)\s+(install|remove|update|upgrade)`},
	{"pacman", `pacman\s+-(S|R|U)`},
	{"pip_install", `pip3?\s+install`},
	{"npm_global", `npm\s+install\s+(-g|--global)`},
	{"yarn_global", `yarn\s+global\s+add`},
	// Container mutations.
	{"docker_mutate", `docker\s+(rm|rmi|system\s+prune|container\s+prune|image\s+prune|prune)`},
	{"compose_down", `docker-compose\s+(down|rm)`},
	// Git history rewrites.
	{"git_force_push", `git\s+push\s+.*(--force|-f)(\s|$)`},
	{"git_reset_hard", `git\s+reset\s+--hard`},
	{"git_clean", `git\s+clean\s+-[a-zA-Z]*f`},
	// Destructive SQL.
	{"sql_drop", `DROP\s+(TABLE|DATABASE|INDEX|VIEW)`},
	{"sql_delete", `DELETE\s+FROM`},
	{"sql_truncate", `(^|\s)TRUNCATE(\s|$)`},
	{"sql_alter", `ALTER\s+TABLE`},
	// Network configuration.
	{"ip_mutate", `ip\s+(addr|route|link)\s+(add|del|change)`},
	{"ifconfig_updown", `ifconfig\s+\S+\s+(up|down)(\s|$)`},
	// User management.
	{"user_mgmt", `(^|\s)(useradd|userdel|usermod|passwd|groupadd|groupdel)(\s|$)`},
	// Cron edits.
	{"crontab", `crontab\s+-`},
}

// safeRules are auto-approved read-only commands. Anchored to the head of
// a sub-command: a match means the whole sub-command is a known-safe read.
var safeRules = []rule{
	{"ls", `^ls(\s+|$)`},
	{"pwd", `^pwd$`},
	{"whoami", `^whoami$`},
	{"id", `^id$`},
	{"date", `^date(\s+|$)`},
	{"uptime", `^uptime$`},
	{"hostname", `^hostname$`},
	{"uname", `^uname(\s+|$)`},
	{"df", `^df(\s+|$)`},
	{"du", `^du\s`},
	{"free", `^free(\s+|$)`},
	{"cat", `^cat\s`},
	{"head", `^head\s`},
	{"tail", `^tail\s`},
	{"grep", `^grep\s`},
	{"find", `^find\s`},
	{"wc", `^wc\s`},
	{"sort", `^sort(\s+|$)`},
	{"uniq", `^uniq(\s+|$)`},
	{"echo", `^echo(\s+|$)`},
	{"git_read", `^git\s+(status|log|diff|branch|show|tag|remote|fetch|pull)($|\s)`},
	{"docker_read", `^docker\s+(ps|images|logs|inspect|stats)($|\s)`},
	{"systemctl_status", `^systemctl\s+(status|is-active|list-units)`},
	{"journalctl", `^journalctl(\s+|$)`},
	{"which", `^which\s`},
	{"file", `^file\s`},
	{"stat", `^stat\s`},
	{"env", `^env$`},
	{"printenv", `^printenv(\s+|$)`},
	{"ps", `^ps(\s+|$)`},
	{"ss", `^(ss|netstat)(\s+|$)`},
	{"top_batch", `^top\s+-bn1`},
	{"ping_limited", `^ping\s+-c\s+[1-5]\s`},
}

func compileRules(rules []rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(`(?i)` + r.pattern)
		if err != nil {
			// Patterns are static; a failure here is a programming error,
			// but skipping keeps the validator total.
			slog.Error("Failed to compile safety pattern, skipping", "pattern", r.name, "error", err)
			continue
		}
		out = append(out, compiledRule{Name: r.name, Regex: re})
	}
	return out
}
