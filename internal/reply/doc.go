// Package reply is the conversational path for messages that are not case
// traffic: direct messages and mentions are forwarded to the agent gateway
// and the agent's answer is posted back where the question was asked.
package reply
