package worker

import (
	"fmt"
	"strings"

	"callctl/pkg/protocol"
)

// Persona is the identity a worker speaks with.
type Persona struct {
	Type        protocol.AgentType
	Name        string
	Personality string
}

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// Instructions assembles the conversational instructions for p.
func (p Persona) Instructions() string {
	var b strings.Builder

	name := p.Name
	if name == "" {
		name = "the assistant"
	}
	switch p.Type {
	case protocol.AgentTypeCarVendor:
		section(&b, "Role", fmt.Sprintf("You are %s, a car sales representative. Your interface with the user is voice.", name))
		section(&b, "Task", strings.Join([]string{
			"- Find out which vehicle the caller is interested in and their budget.",
			"- Offer a test drive and look up availability for the requested date.",
			"- Confirm the appointment date and time before booking it.",
			"- Transfer the call to a human agent when the caller asks for one.",
		}, "\n"))
	default:
		section(&b, "Role", fmt.Sprintf("You are %s, a restaurant receptionist. Your interface with the user is voice.", name))
		section(&b, "Task", strings.Join([]string{
			"- Confirm the customer's name, phone number, and the date and time of the reservation.",
			"- Confirm the number of people in the party.",
			"- Look up availability when the requested time is not possible.",
			"- Confirm the reservation with the customer, then end the call.",
			"- Transfer the call to a human agent when the customer asks for one.",
		}, "\n"))
	}
	if p.Personality != "" {
		section(&b, "Personality", p.Personality)
	}
	section(&b, "Voicemail", "If the call reaches voicemail, report it after the greeting and hang up without leaving a message.")
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Greeting is the first line spoken once the caller is connected.
func (p Persona) Greeting() string {
	switch {
	case p.Name == "":
		return "Hello, thanks for taking my call."
	case p.Type == protocol.AgentTypeCarVendor:
		return fmt.Sprintf("Hi, this is %s from the dealership.", p.Name)
	default:
		return fmt.Sprintf("Hi, this is %s from the restaurant.", p.Name)
	}
}
