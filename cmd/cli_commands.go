package cmd

// commandDocs documentation info used for help command.
type commandDocs struct {
	name    string
	params  string
	summary string
	minArgs int
	maxArgs int
}

var commandTable = []commandDocs{
	{"get", "PATH", "Request PATH with GET", 1, 1},
	{"post", "PATH FORM", "Send FORM (k=v&k2=v2) to PATH as urlencoded POST", 1, 2},
	{"head", "PATH", "Show only the status line and headers of GET PATH", 1, 1},
	{"connect", "HOST PORT", "Switch to another server", 2, 2},
	{"keepalive", "on|off", "Reuse the connection between requests", 1, 1},
	{"clear", "", "Clear the screen", 0, 0},
	{"help", "[COMMAND]", "Show this help", 0, 1},
	{"quit", "", "Leave the shell", 0, 0},
}

func lookupCommand(name string) (commandDocs, bool) {
	for _, doc := range commandTable {
		if doc.name == name {
			return doc, true
		}
	}
	return commandDocs{}, false
}
