// Discordgo - Discord bindings for Go
// Available at https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains variables for the Discord end points and route templates used by this package.

package discordgo

// VERSION of shardkit's gateway and rest client, sent in the identify properties
const VERSION = "1.0.0"

// APIVersion is the Discord API version used for the REST and Websocket API.
var APIVersion = "10"

// Known Discord API Endpoints.
var (
	EndpointDiscord   = "https://discord.com/"
	EndpointAPI       = EndpointDiscord + "api/v" + APIVersion
	DefaultGatewayURL = "wss://gateway.discord.gg/"
)

// Route templates, placeholders in braces are filled in order from the path params of a request.
// Ratelimit buckets are keyed by method and template, not the filled in path.
const (
	RouteGateway         = "/gateway"
	RouteGatewayBot      = "/gateway/bot"
	RouteUserMe          = "/users/@me"
	RouteGuild           = "/guilds/{guild.id}"
	RouteGuildMember     = "/guilds/{guild.id}/members/{user.id}"
	RouteChannel         = "/channels/{channel.id}"
	RouteChannelMessages = "/channels/{channel.id}/messages"
	RouteChannelMessage  = "/channels/{channel.id}/messages/{message.id}"
)
