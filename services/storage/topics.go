package storage

import "sdspi-go/bus"

// Control verbs accepted on storage/sd/<name>/control/<verb>.
const (
	VerbInit   = "init"
	VerbRead   = "read"
	VerbWrite  = "write"
	VerbStatus = "status"
)

func T(tokens ...bus.Token) bus.Topic { return bus.T(tokens...) }

func topicConfig() bus.Topic { return T("config", "storage") }
func topicState() bus.Topic  { return T("storage", "state") }

// storage/sd/<name>/...
func cardBase(name string) bus.Topic { return T("storage", "sd", name) }

// CardStatusTopic is where the retained types.CardStatus for name lives.
func CardStatusTopic(name string) bus.Topic { return cardBase(name).Append("status") }

// CardControlTopic addresses one control verb of one card.
func CardControlTopic(name, verb string) bus.Topic {
	return cardBase(name).Append("control", verb)
}

// storage/sd/+/control/+
func ctrlWildcard() bus.Topic { return T("storage", "sd", "+", "control", "+") }
