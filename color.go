package soxy

import (
	"github.com/fatih/color"
)

func colored(attr color.Attribute, s string) string {
	c := color.New(attr)
	c.EnableColor()
	return c.SprintFunc()(s)
}

func Cyan(s string) string {
	return colored(color.FgHiCyan, s)
}

func Green(s string) string {
	return colored(color.FgHiGreen, s)
}

func Yellow(s string) string {
	return colored(color.FgHiYellow, s)
}

func Red(s string) string {
	return colored(color.FgHiRed, s)
}
