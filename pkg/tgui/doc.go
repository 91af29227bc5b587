// Package tgui holds small helpers for composing Telegram HTML text:
// escaping, inline tags, labelled lines and rune-safe truncation.
//
// Values of type H are already escaped and can be concatenated freely.
package tgui
