package app

import (
	"github.com/YaganovValera/tick-saver/internal/credentials"
)

// Assignment - одна будущая сессия: учётная запись, номер соединения
// внутри неё и её срез токенов.
type Assignment struct {
	Account credentials.Account
	Conn    int
	Tokens  []uint32
}

// Capacity - сколько токенов можно стримить с accounts учётными записями.
func Capacity(accounts, perConn, perAccount int) int {
	return perConn * perAccount * accounts
}

// Partition режет tokens на последовательные куски по perConn, по
// perAccount кусков на учётную запись. Токены сверх ёмкости отбрасываются.
func Partition(tokens []uint32, accounts []credentials.Account, perConn, perAccount int) []Assignment {
	if perConn <= 0 || perAccount <= 0 || len(accounts) == 0 {
		return nil
	}
	if c := Capacity(len(accounts), perConn, perAccount); len(tokens) > c {
		tokens = tokens[:c]
	}

	var out []Assignment
	chunk := 0
	for _, acc := range accounts {
		for conn := 0; conn < perAccount; conn++ {
			start := chunk * perConn
			if start >= len(tokens) {
				return out
			}
			end := min(start+perConn, len(tokens))
			out = append(out, Assignment{Account: acc, Conn: conn, Tokens: tokens[start:end:end]})
			chunk++
		}
	}
	return out
}
