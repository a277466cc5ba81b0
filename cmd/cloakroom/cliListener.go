package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/eiannone/keyboard"
	"github.com/spf13/viper"

	"cloakroom/messaging/codec"
	"cloakroom/messaging/eventconductor"
	"cloakroom/state/chat"
)

func roomMeta(name string) codec.ChannelMeta {
	return codec.ChannelMeta{Name: name}
}

// cliListener is a cheap and nasty way to exercise the engine without a
// UI. It listens for keypresses and executes commands.
func cliListener(ctx context.Context, interrupt chan struct{}, conf *viper.Viper, engine *eventconductor.Engine, store *chat.Store) {
	fmt.Println("COMMANDS:\nm: print messages\nr: print rooms\nd: send a direct message\nn: create a room\nf: focus a room\nw: print wallet pubkey\nc: print engine config\nq: quit")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			panic(err)
		}
		str := string(r)
		switch str {
		default:
			if k == 13 || r == 0 {
				break
			}
			fmt.Println("Key " + str + " is not bound to anything. See main.cliListener for details.")
		case "q":
			close(interrupt)
			return
		case "w":
			fmt.Printf("Current pubkey: %s\n", engine.Wallet().Account)
		case "c":
			fmt.Println("CURRENT CONFIG")
			for key, value := range conf.AllSettings() {
				fmt.Printf("\nKey: %s; Value: %v\n", key, value)
			}
		case "m":
			for _, m := range store.Messages() {
				where := m.Peer
				if m.Room != "" {
					where = "room " + m.Room[:8]
				}
				fmt.Printf("[%s] %s -> %s: %s (%d attachments) %s %s\n",
					m.ID[:8], m.Author[:8], where, m.Text, len(m.Attachments), m.State, m.StatusMessage)
			}
		case "r":
			for _, room := range store.Rooms() {
				fmt.Printf("%s  %s  owner=%s\n", room.ID, room.Meta.Name, room.Owner)
			}
		case "d":
			recipient := prompt("recipient pubkey (64 hex): ")
			text := prompt("message: ")
			id, err := engine.SendDirectMessage(ctx, recipient, text, nil, "")
			if err != nil {
				fmt.Println("send failed:", err)
				break
			}
			fmt.Println("tracking delivery of", id)
		case "n":
			name := prompt("room name: ")
			id, err := engine.CreateRoom(ctx, roomMeta(name), nil)
			if err != nil {
				fmt.Println("create failed:", err)
				break
			}
			fmt.Println("created room", id)
			engine.FocusRoom(ctx, id)
		case "f":
			id := prompt("room id (64 hex): ")
			engine.FocusRoom(ctx, id)
			fmt.Println("focused", id)
		}
	}
}

func prompt(label string) string {
	fmt.Print(label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}
